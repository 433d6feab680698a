// Package config holds the proxy's lock-free runtime configuration
// (Config, four independently-swapped Slots) and the on-disk YAML
// representation (FileConfig) that feeds it at startup alongside the
// discovery-protocol client.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/filter"
	"github.com/dantte-lp/goquilkin/internal/slot"
)

// Version identifies the configuration schema revision. Only v1alpha1
// exists today; the type exists so the wire/file schema can version
// cleanly later.
type Version string

// V1Alpha1 is the only recognized configuration version.
const V1Alpha1 Version = "v1alpha1"

// Sentinel errors for configuration-layer failures.
var (
	// ErrUnknownFilter is returned when a Listener resource or file
	// config names a filter not present in the registry.
	ErrUnknownFilter = filter.ErrFactoryNotFound

	// ErrUnsupportedResource is returned for a ResourceKind Apply does
	// not recognize.
	ErrUnsupportedResource = errors.New("config: unsupported resource kind")
)

// ApplyObserver is notified after every successful Apply call, letting
// callers (internal/metrics) record a config-change tick without Config
// importing the metrics package directly.
type ApplyObserver interface {
	RecordConfigApply()
}

// Config is the proxy's live configuration: four independently atomic
// Slots for cluster membership, the filter chain, the proxy's identity
// string, and the schema version. Every field is safe for concurrent
// Load/Store/Modify from any number of goroutines; there is no
// mutex guarding Config itself.
type Config struct {
	Clusters *slot.Slot[cluster.ClusterMap]
	Filters  *slot.Slot[filter.FilterChain]
	ID       *slot.Slot[string]
	Version  *slot.Slot[Version]

	registry *filter.Registry
	observer ApplyObserver
}

// New returns a Config with an empty default cluster, an empty filter
// chain, the given identity, and version V1Alpha1. reg is the filter
// registry used to construct chains out of Listener resources and file
// config; pass filter.Default for the process-wide registry.
func New(id string, reg *filter.Registry) *Config {
	return &Config{
		Clusters: slot.New(cluster.New()),
		Filters:  slot.New(filter.FilterChain{}),
		ID:       slot.New(id),
		Version:  slot.New(V1Alpha1),
		registry: reg,
	}
}

// NewWithDefaultID is New with defaultProxyID() as the identity, for
// callers that were not given an explicit identity.
func NewWithDefaultID(reg *filter.Registry) *Config {
	return New(defaultProxyID(), reg)
}

// SetObserver installs obs to be notified after every successful Apply.
// Passing nil disables notification.
func (c *Config) SetObserver(obs ApplyObserver) {
	c.observer = obs
}

// Apply applies one control-plane (or file-config-derived) resource
// update. Endpoint and Cluster resources replace a named cluster in
// the cluster map, but only if the incoming cluster has at least one
// endpoint — a momentarily-empty assignment is ignored rather than
// blackholing existing traffic. Listener resources replace the filter
// chain wholesale; chain construction is validated in full before the
// filter slot is touched, so a rejected update leaves the previous
// chain serving traffic.
func (c *Config) Apply(r Resource) error {
	switch r.Kind {
	case ResourceEndpoint, ResourceCluster:
		c.applyCluster(r.Cluster)

	case ResourceListener:
		if err := c.applyFilters(r.Filters); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedResource, r.Kind)
	}

	if c.observer != nil {
		c.observer.RecordConfigApply()
	}

	return nil
}

func (c *Config) applyCluster(cl cluster.Cluster) {
	if cl.EndpointCount() == 0 {
		return
	}
	c.Clusters.Modify(func(m *cluster.ClusterMap) {
		m.Insert(cl)
	})
}

func (c *Config) applyFilters(configs []filter.FilterConfig) error {
	chain, err := c.registry.BuildChain(configs)
	if err != nil {
		return fmt.Errorf("config: apply listener: %w", err)
	}
	c.Filters.Store(chain)
	return nil
}

// defaultProxyID derives a proxy identity when none is configured: the
// local hostname, falling back to a freshly generated UUID if the
// hostname cannot be read.
func defaultProxyID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host
}
