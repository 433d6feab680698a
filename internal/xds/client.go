// Package xds implements the control-plane discovery client: a gRPC
// stream to a management server that subscribes to Endpoint and Listener
// resources and applies every response to a Config via its apply
// boundary. The stream reconnects with exponential backoff and jitter.
package xds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
)

// streamProcedure is the bidirectional streaming method the discovery
// client opens against every configured management server, named after
// the xDS ADS RPC it mirrors.
const streamProcedure = "/goquilkin.xds.v1.DiscoveryService/StreamResources"

// Resource type URLs subscribed to on every (re)connect.
const (
	TypeURLEndpoint = "type.googleapis.com/goquilkin.xds.v1.Endpoint"
	TypeURLListener = "type.googleapis.com/goquilkin.xds.v1.Listener"
	TypeURLCluster  = "type.googleapis.com/goquilkin.xds.v1.Cluster"
)

// Sentinel errors for discovery-client failures.
var (
	// ErrDialFailed indicates the gRPC dial to a management server failed.
	ErrDialFailed = errors.New("xds: dial failed")

	// ErrMalformedResource indicates a streamed resource could not be
	// translated into a config.Resource.
	ErrMalformedResource = errors.New("xds: malformed resource")
)

// Backoff parameters for stream reconnection (initial 500ms, max 30s,
// ±2s jitter at steady state), matching the control-plane retry
// schedule. RandomizationFactor is a fraction of the current interval
// (backoff.ExponentialBackOff's default is 0.5, i.e. ±50%); at
// backoffMaxInterval, backoffRandomizationFactor works out to ±2s.
const (
	backoffInitialInterval     = 500 * time.Millisecond
	backoffMaxInterval         = 30 * time.Second
	backoffRandomizationFactor = 2.0 / float64(backoffMaxInterval/time.Second)
	backoffMaxElapsedTime      = 0 // retry forever; Run exits only on ctx cancellation
)

// connectTimeout bounds how long a single attempt may wait for the
// connection to the management server to become ready before it is
// treated as a failed attempt and retried.
const connectTimeout = 5 * time.Second

// ReconnectObserver is notified every time the stream reconnects. A nil
// ReconnectObserver is never invoked.
type ReconnectObserver interface {
	RecordControlPlaneReconnect()
}

// Client subscribes to one management server and applies every resource
// it streams to cfg, reconnecting indefinitely until ctx is cancelled.
type Client struct {
	addr    string
	cfg     *config.Config
	metrics ReconnectObserver
	logger  *slog.Logger
}

// New returns a Client that will stream resources from addr into cfg.
// Listener resources are built through the filter registry cfg itself
// was constructed with; metrics may be nil.
func New(addr string, cfg *config.Config, metrics ReconnectObserver, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:    addr,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "xds.client"), slog.String("addr", addr)),
	}
}

// Run connects to the management server and applies streamed resources
// until ctx is cancelled, reconnecting with exponential backoff on every
// failure.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffInitialInterval
	bo.MaxInterval = backoffMaxInterval
	bo.RandomizationFactor = backoffRandomizationFactor
	bo.MaxElapsedTime = backoffMaxElapsedTime

	for {
		err := c.runOnce(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("discovery stream ended, reconnecting", slog.String("error", err.Error()))
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// runOnce dials the management server, opens one stream, subscribes to
// every resource type, and applies responses until the stream ends or
// ctx is cancelled. bo is reset after every successfully applied
// response.
func (c *Client) runOnce(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	conn, err := grpc.NewClient(c.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDialFailed, c.addr, err)
	}
	defer conn.Close()

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(dialCtx, state) {
			return fmt.Errorf("%w: %s: not connected within %s", ErrDialFailed, c.addr, connectTimeout)
		}
	}

	stream, err := conn.NewStream(ctx, &grpc.StreamDesc{
		StreamName:    "StreamResources",
		ClientStreams: true,
		ServerStreams: true,
	}, streamProcedure)
	if err != nil {
		return fmt.Errorf("%w: open stream: %w", ErrDialFailed, err)
	}

	if c.metrics != nil {
		c.metrics.RecordControlPlaneReconnect()
	}

	if err := c.subscribe(stream); err != nil {
		return err
	}

	for {
		resp := &structpb.Struct{}
		if err := stream.RecvMsg(resp); err != nil {
			return fmt.Errorf("xds: recv: %w", err)
		}

		if err := c.applyResponse(resp); err != nil {
			c.logger.Error("failed to apply discovery response", slog.String("error", err.Error()))
			return err
		}
		bo.Reset()
	}
}

// subscribe sends one discovery request per resource type, matching the
// ADS convention of resubscribing from scratch on every new stream.
func (c *Client) subscribe(stream grpc.ClientStream) error {
	for _, typeURL := range []string{TypeURLEndpoint, TypeURLListener, TypeURLCluster} {
		req, err := structpb.NewStruct(map[string]any{"type_url": typeURL})
		if err != nil {
			return fmt.Errorf("xds: build request: %w", err)
		}
		if err := stream.SendMsg(req); err != nil {
			return fmt.Errorf("xds: send subscribe %s: %w", typeURL, err)
		}
	}
	return nil
}

// applyResponse translates one streamed structpb.Struct into a
// config.Resource and applies it.
func (c *Client) applyResponse(resp *structpb.Struct) error {
	typeURL := resp.Fields["type_url"].GetStringValue()

	switch typeURL {
	case TypeURLEndpoint, TypeURLCluster:
		cl, err := decodeCluster(resp)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResource, err)
		}
		if typeURL == TypeURLEndpoint {
			return c.cfg.Apply(config.EndpointResource(cl))
		}
		return c.cfg.Apply(config.ClusterResource(cl))

	case TypeURLListener:
		filters, err := decodeFilters(resp)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedResource, err)
		}
		return c.cfg.Apply(config.ListenerResource(filters))

	default:
		return fmt.Errorf("%w: unknown type_url %q", ErrMalformedResource, typeURL)
	}
}

// decodeCluster reads a cluster name and a flat list of "host:port"
// endpoint strings out of a discovery response's payload.
func decodeCluster(resp *structpb.Struct) (cluster.Cluster, error) {
	name := resp.Fields["name"].GetStringValue()
	cl := cluster.NewCluster(name)

	addrs := resp.Fields["endpoints"].GetListValue().GetValues()
	eps := make([]endpoint.Endpoint, 0, len(addrs))
	for _, v := range addrs {
		ap, err := netip.ParseAddrPort(v.GetStringValue())
		if err != nil {
			return cluster.Cluster{}, fmt.Errorf("parse endpoint address %q: %w", v.GetStringValue(), err)
		}
		eps = append(eps, endpoint.New(ap))
	}

	cl.Localities.Insert(endpoint.NewLocalityEndpoints(eps...))
	return cl, nil
}

// decodeFilters reads an ordered list of {name, config} filter entries
// out of a discovery response's payload.
func decodeFilters(resp *structpb.Struct) ([]filter.FilterConfig, error) {
	entries := resp.Fields["filters"].GetListValue().GetValues()
	out := make([]filter.FilterConfig, 0, len(entries))

	for _, v := range entries {
		fields := v.GetStructValue().GetFields()
		name := fields["name"].GetStringValue()

		cfgStruct := fields["config"].GetStructValue()
		raw, err := cfgStruct.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal filter config for %q: %w", name, err)
		}

		out = append(out, filter.FilterConfig{Name: name, Config: json.RawMessage(raw)})
	}

	return out, nil
}
