// Package server implements the proxy's admin/introspection ConnectRPC
// surface: ListSessions, GetConfigSnapshot, and WatchConfig. Every
// procedure is generic over structpb.Struct rather than a protoc-generated
// message, so the surface needs no .proto/.pb.go toolchain step.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/session"
)

// serviceName is the procedure namespace mounted by New. It has no
// accompanying .proto file; ConnectRPC only needs the string to route
// requests, not a compiled descriptor.
const serviceName = "goquilkin.admin.v1.AdminService"

const (
	procListSessions      = "/" + serviceName + "/ListSessions"
	procGetConfigSnapshot = "/" + serviceName + "/GetConfigSnapshot"
	procWatchConfig       = "/" + serviceName + "/WatchConfig"
)

// watchConfigPollInterval is how often WatchConfig re-samples the live
// Config and pushes a snapshot if anything about it could have changed.
const watchConfigPollInterval = time.Second

// AdminServer implements the admin surface. Each RPC is a thin adapter
// over internal/config.Config and internal/session.Map; there is no
// domain logic here beyond snapshotting state into a structpb.Struct.
type AdminServer struct {
	cfg      *config.Config
	sessions *session.Map
	logger   *slog.Logger
}

// New creates an AdminServer and returns the base path and HTTP handler to
// mount on a *http.ServeMux, mirroring gobfd's server.New convention.
func New(cfg *config.Config, sessions *session.Map, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	srv := &AdminServer{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle(procListSessions, connect.NewUnaryHandler(procListSessions, srv.ListSessions, opts...))
	mux.Handle(procGetConfigSnapshot, connect.NewUnaryHandler(procGetConfigSnapshot, srv.GetConfigSnapshot, opts...))
	mux.Handle(procWatchConfig, connect.NewServerStreamHandler(procWatchConfig, srv.WatchConfig, opts...))

	return "/" + serviceName + "/", mux
}

// ListSessions returns the current live session count.
func (s *AdminServer) ListSessions(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "ListSessions called")

	out, err := structpb.NewStruct(map[string]any{
		"active_sessions": float64(s.sessions.Len()),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("list sessions: %w", err))
	}

	return connect.NewResponse(out), nil
}

// GetConfigSnapshot returns the proxy identity, schema version, cluster
// names, endpoint count, and active filter names.
func (s *AdminServer) GetConfigSnapshot(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "GetConfigSnapshot called")

	out, err := configSnapshot(s.cfg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("get config snapshot: %w", err))
	}

	return connect.NewResponse(out), nil
}

// WatchConfig streams a configuration snapshot on every poll tick until
// the client disconnects or the server shuts down. There is no
// change-notification channel on Config; polling a cheap atomic load is
// simpler than wiring one and the admin surface has no latency
// requirement.
func (s *AdminServer) WatchConfig(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	s.logger.InfoContext(ctx, "WatchConfig called")

	ticker := time.NewTicker(watchConfigPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("watch config: %w", ctx.Err())
		case <-ticker.C:
			snap, err := configSnapshot(s.cfg)
			if err != nil {
				return fmt.Errorf("watch config: %w", err)
			}
			if err := stream.Send(snap); err != nil {
				return fmt.Errorf("send config snapshot: %w", err)
			}
		}
	}
}

func configSnapshot(cfg *config.Config) (*structpb.Struct, error) {
	clusters := cfg.Clusters.Load()
	chain := cfg.Filters.Load()

	names := clusters.Names()
	clusterNames := make([]any, len(names))
	for i, n := range names {
		clusterNames[i] = n
	}

	filterNames := chain.Names()
	filters := make([]any, len(filterNames))
	for i, n := range filterNames {
		filters[i] = n
	}

	return structpb.NewStruct(map[string]any{
		"id":             cfg.ID.Load(),
		"version":        string(cfg.Version.Load()),
		"cluster_names":  clusterNames,
		"endpoint_count": float64(clusters.EndpointCount()),
		"filters":        filters,
	})
}
