package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
)

// fileDelim is koanf's path delimiter for FileConfig. The YAML schema's
// metadata namespace key is literally "quilkin.dev" (with a dot), which
// would collide with koanf's usual "." flattening delimiter; using "/"
// instead lets that key round-trip through koanf untouched.
const fileDelim = "/"

// FileConfig mirrors the on-disk YAML schema (spec §6): a version tag,
// proxy identity, named clusters grouped into localities, and an
// ordered filter chain definition. It is the same logical model
// Config.Apply consumes from the discovery protocol, so loading a file
// and applying a discovery response share one translation path
// (ToResources).
type FileConfig struct {
	Version  Version                `koanf:"version"`
	ID       string                 `koanf:"id"`
	Clusters map[string]FileCluster `koanf:"clusters"`
	Filters  []FileFilter           `koanf:"filters"`
}

// FileCluster is one named entry under FileConfig.Clusters.
type FileCluster struct {
	Localities []FileLocality `koanf:"localities"`
}

// FileLocality is one locality group within a cluster. Label is nil for
// the "no locality" group.
type FileLocality struct {
	Label     *FileLocalityLabel `koanf:"locality"`
	Endpoints []FileEndpoint     `koanf:"endpoints"`
}

// FileLocalityLabel is the (region, zone, sub_zone) triple.
type FileLocalityLabel struct {
	Region  string `koanf:"region"`
	Zone    string `koanf:"zone"`
	SubZone string `koanf:"sub_zone"`
}

// FileEndpoint is one upstream target entry.
type FileEndpoint struct {
	Address  string           `koanf:"address"`
	Metadata FileEndpointMeta `koanf:"metadata"`
}

// FileEndpointMeta carries the "quilkin.dev" metadata namespace.
type FileEndpointMeta struct {
	Quilkin FileQuilkinMeta `koanf:"quilkin.dev"`
}

// FileQuilkinMeta holds the connection-identifying tokens under
// metadata.quilkin.dev.tokens.
type FileQuilkinMeta struct {
	Tokens []string `koanf:"tokens"`
}

// FileFilter is one entry in FileConfig.Filters.
type FileFilter struct {
	Name   string         `koanf:"name"`
	Config map[string]any `koanf:"config"`
}

// LoadFile parses the YAML file at path into a FileConfig, rejecting any
// key not present in the schema above.
func LoadFile(path string) (*FileConfig, error) {
	k := koanf.New(fileDelim)

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	fc := &FileConfig{Version: V1Alpha1}
	if err := k.UnmarshalWithConf("", fc, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Metadata:         nil,
			Result:           fc,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			TagName:          "koanf",
		},
	}); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s (unknown fields rejected): %w", path, err)
	}

	return fc, nil
}

// ToResources translates the parsed file into the same Resource values
// Config.Apply accepts from the discovery protocol: one Cluster
// resource per named cluster, and one Listener resource for the filter
// chain (if any filters are configured).
func (fc *FileConfig) ToResources() ([]Resource, error) {
	resources := make([]Resource, 0, len(fc.Clusters)+1)

	for name, fcl := range fc.Clusters {
		c, err := fcl.toCluster(name)
		if err != nil {
			return nil, fmt.Errorf("config: cluster %q: %w", name, err)
		}
		resources = append(resources, ClusterResource(c))
	}

	if len(fc.Filters) > 0 {
		configs, err := toFilterConfigs(fc.Filters)
		if err != nil {
			return nil, err
		}
		resources = append(resources, ListenerResource(configs))
	}

	return resources, nil
}

func (fcl FileCluster) toCluster(name string) (cluster.Cluster, error) {
	c := cluster.NewCluster(name)

	for _, loc := range fcl.Localities {
		eps := make([]endpoint.Endpoint, 0, len(loc.Endpoints))
		for _, fe := range loc.Endpoints {
			ep, err := fe.toEndpoint()
			if err != nil {
				return cluster.Cluster{}, err
			}
			eps = append(eps, ep)
		}

		group := endpoint.NewLocalityEndpoints(eps...)
		if loc.Label != nil {
			l := endpoint.Locality{
				Region:  loc.Label.Region,
				Zone:    loc.Label.Zone,
				SubZone: loc.Label.SubZone,
			}
			group = group.WithLocality(&l)
		}
		c.Localities.Insert(group)
	}

	return c, nil
}

func (fe FileEndpoint) toEndpoint() (endpoint.Endpoint, error) {
	addr, err := netip.ParseAddrPort(fe.Address)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("endpoint address %q: %w", fe.Address, err)
	}

	ep := endpoint.New(addr)
	if len(fe.Metadata.Quilkin.Tokens) > 0 {
		tokens := make([][]byte, len(fe.Metadata.Quilkin.Tokens))
		for i, t := range fe.Metadata.Quilkin.Tokens {
			decoded, err := base64.StdEncoding.DecodeString(t)
			if err != nil {
				return endpoint.Endpoint{}, fmt.Errorf("endpoint %q token %d: %w", fe.Address, i, err)
			}
			tokens[i] = decoded
		}
		ep.Metadata.Tokens = tokens
	}

	return ep, nil
}

func toFilterConfigs(ff []FileFilter) ([]filter.FilterConfig, error) {
	out := make([]filter.FilterConfig, 0, len(ff))
	for _, f := range ff {
		raw, err := json.Marshal(f.Config)
		if err != nil {
			return nil, fmt.Errorf("config: filter %q config: %w", f.Name, err)
		}
		out = append(out, filter.FilterConfig{Name: f.Name, Config: raw})
	}
	return out, nil
}
