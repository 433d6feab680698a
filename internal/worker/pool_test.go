package worker_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
	_ "github.com/dantte-lp/goquilkin/internal/filter/builtin"
	"github.com/dantte-lp/goquilkin/internal/session"
	"github.com/dantte-lp/goquilkin/internal/worker"
)

// rejectingFilter unconditionally rejects on the read path, used to
// exercise the worker pool's drop-on-filter-reject behavior without
// needing a builtin filter configured for it.
type rejectingFilter struct{}

func (rejectingFilter) Name() string                          { return "reject" }
func (rejectingFilter) ReadFilter(*filter.ReadContext) error   { return filter.ErrReject }
func (rejectingFilter) WriteFilter(*filter.WriteContext) error { return filter.ErrReject }

// freeAddr binds an ephemeral UDP port, closes it, and returns its
// "127.0.0.1:<port>" address string for a subsequent SO_REUSEPORT bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return fmt.Sprintf("127.0.0.1:%d", addr.Port)
}

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

func echoServer(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		_, _ = conn.WriteToUDPAddrPort(buf[:n], addr)
	}
}

func readWithDeadline(t *testing.T, conn *net.UDPConn, d time.Duration) string {
	t.Helper()
	buf := make([]byte, 2048)
	if err := conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

// recordingSender stands in for *session.Map in tests that only need to
// observe what the pool dispatches, without a real upstream round trip.
type recordingSender struct {
	mu   sync.Mutex
	sent []session.Key
}

func (r *recordingSender) SendPacket(key session.Key, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, key)
	return nil
}

func (r *recordingSender) keys() []session.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Key(nil), r.sent...)
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{counts: make(map[string]int)}
}

func (m *countingMetrics) IncDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[reason]++
}

func (m *countingMetrics) count(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[reason]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPoolDropsPacketsWhenNoEndpointsConfigured(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.New("proxy-1", filter.Default)
	sender := &recordingSender{}
	metrics := newCountingMetrics()

	p := worker.New(addr, cfg, sender, metrics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	client := mustListenUDP(t)
	defer client.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := client.WriteToUDP([]byte("hello"), udpAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return metrics.count(worker.DropReasonNoEndpoints) > 0 })

	if len(sender.keys()) != 0 {
		t.Fatalf("expected no dispatch with no endpoints configured, got %v", sender.keys())
	}

	cancel()
	<-done
}

func TestPoolFansOutToConfiguredEndpoints(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.New("proxy-1", filter.Default)

	upstreamA := mustListenUDP(t)
	defer upstreamA.Close()
	upstreamB := mustListenUDP(t)
	defer upstreamB.Close()

	epA := endpoint.New(upstreamA.LocalAddr().(*net.UDPAddr).AddrPort())
	epB := endpoint.New(upstreamB.LocalAddr().(*net.UDPAddr).AddrPort())

	cl := cluster.NewCluster(cluster.DefaultName)
	cl.Localities.Insert(endpoint.NewLocalityEndpoints(epA, epB))
	if err := cfg.Apply(config.ClusterResource(cl)); err != nil {
		t.Fatalf("apply cluster: %v", err)
	}

	sender := &recordingSender{}
	p := worker.New(addr, cfg, sender, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	client := mustListenUDP(t)
	defer client.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := client.WriteToUDP([]byte("hello"), udpAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(sender.keys()) == 2 })

	dests := map[netip.AddrPort]bool{}
	for _, k := range sender.keys() {
		dests[k.Dest] = true
	}
	if !dests[epA.Address] || !dests[epB.Address] {
		t.Fatalf("expected dispatch to both endpoints, got %v", sender.keys())
	}

	cancel()
	<-done
}

func TestPoolDropsOnReadFilterReject(t *testing.T) {
	addr := freeAddr(t)

	cfg := config.New("proxy-1", filter.Default)

	upstream := mustListenUDP(t)
	defer upstream.Close()
	ep := endpoint.New(upstream.LocalAddr().(*net.UDPAddr).AddrPort())
	cl := cluster.NewCluster(cluster.DefaultName)
	cl.Localities.Insert(endpoint.NewLocalityEndpoints(ep))
	if err := cfg.Apply(config.ClusterResource(cl)); err != nil {
		t.Fatalf("apply cluster: %v", err)
	}

	cfg.Filters.Store(filter.NewFilterChain(rejectingFilter{}))

	sender := &recordingSender{}
	metrics := newCountingMetrics()
	p := worker.New(addr, cfg, sender, metrics, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	client := mustListenUDP(t)
	defer client.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := client.WriteToUDP([]byte("hello"), udpAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return metrics.count(worker.DropReasonFilterReject) > 0 })

	if len(sender.keys()) != 0 {
		t.Fatalf("expected no dispatch on filter reject, got %v", sender.keys())
	}

	cancel()
	<-done
}

func TestPoolEndToEndEchoThroughRealSessionMap(t *testing.T) {
	addr := freeAddr(t)

	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	cfg := config.New("proxy-1", filter.Default)
	ep := endpoint.New(upstream.LocalAddr().(*net.UDPAddr).AddrPort())
	cl := cluster.NewCluster(cluster.DefaultName)
	cl.Localities.Insert(endpoint.NewLocalityEndpoints(ep))
	if err := cfg.Apply(config.ClusterResource(cl)); err != nil {
		t.Fatalf("apply cluster: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := session.New(ctx, listener, cfg, time.Minute, nil, nil)
	defer sessions.Shutdown()

	p := worker.New(addr, cfg, sessions, nil, nil)
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	client := mustListenUDP(t)
	defer client.Close()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := client.WriteToUDP([]byte("ping"), udpAddr); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readWithDeadline(t, client, 2*time.Second)
	if got != "ping" {
		t.Fatalf("echo = %q, want %q", got, "ping")
	}

	cancel()
	<-done
}
