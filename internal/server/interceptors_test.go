package server_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/filter"
	_ "github.com/dantte-lp/goquilkin/internal/filter/builtin"
	"github.com/dantte-lp/goquilkin/internal/server"
	"github.com/dantte-lp/goquilkin/internal/session"
)

const listSessionsProcedure = "/goquilkin.admin.v1.AdminService/ListSessions"

// setupServerWithInterceptors creates a real AdminServer wired with the
// given ConnectRPC handler options and returns a raw unary client bound to
// its ListSessions procedure.
func setupServerWithInterceptors(
	t *testing.T,
	opts ...connect.HandlerOption,
) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.New("proxy-test", filter.Default)

	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	sessions := session.New(ctx, listener, cfg, time.Minute, nil, logger)
	t.Cleanup(func() {
		sessions.Shutdown()
		cancel()
	})

	path, handler := server.New(cfg, sessions, logger, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+listSessionsProcedure)
}

// setupPanicServer mounts a single handler at listSessionsProcedure that
// panics unconditionally, wrapped in the given interceptor options, to
// exercise RecoveryInterceptor in isolation from any real RPC logic.
func setupPanicServer(
	t *testing.T,
	opts ...connect.HandlerOption,
) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	panicFn := func(context.Context, *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
		panic("intentional test panic")
	}

	mux := http.NewServeMux()
	mux.Handle(listSessionsProcedure, connect.NewUnaryHandler(listSessionsProcedure, panicFn, opts...))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+listSessionsProcedure)
}

func callListSessions(client *connect.Client[structpb.Struct, structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
}

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := setupServerWithInterceptors(t, server.LoggingInterceptorOption(logger))

	resp, err := callListSessions(client)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := setupServerWithInterceptors(t, server.RecoveryInterceptorOption(logger))

	resp, err := callListSessions(client)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := setupPanicServer(t, server.RecoveryInterceptorOption(logger))

	_, err := callListSessions(client)
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", connectErr.Code())
	}
}

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := setupServerWithInterceptors(t,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	resp, err := callListSessions(client)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}
