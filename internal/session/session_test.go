package session_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/filter"
	_ "github.com/dantte-lp/goquilkin/internal/filter/builtin"
	"github.com/dantte-lp/goquilkin/internal/session"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

// echoServer reads datagrams from conn and writes them straight back to
// whoever sent them, until conn is closed.
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

func TestSendPacketCreatesSessionAndEchoesBack(t *testing.T) {
	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New("proxy-1", filter.Default)
	m := session.New(ctx, listener, cfg, time.Minute, nil, nil)
	defer m.Shutdown()

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}

	if err := m.SendPacket(key, []byte("hello")); err != nil {
		t.Fatalf("send packet: %v", err)
	}

	if got := readWithDeadline(t, client, 2*time.Second); got != "hello" {
		t.Fatalf("client received %q, want %q", got, "hello")
	}

	if got := m.Len(); got != 1 {
		t.Fatalf("want 1 live session, got %d", got)
	}
}

func TestSendPacketReusesExistingSessionUnderConcurrentCreate(t *testing.T) {
	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New("proxy-1", filter.Default)
	m := session.New(ctx, listener, cfg, time.Minute, nil, nil)
	defer m.Shutdown()

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}

	const n = 8
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errCh <- m.SendPacket(key, []byte("x"))
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent send packet: %v", err)
		}
	}

	if got := m.Len(); got != 1 {
		t.Fatalf("concurrent creation for the same key must yield exactly 1 session, got %d", got)
	}
}

func TestWritePathFilterChainAppliedAtPacketTime(t *testing.T) {
	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New("proxy-1", filter.Default)
	m := session.New(ctx, listener, cfg, time.Minute, nil, nil)
	defer m.Shutdown()

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}

	// First packet flows through an empty filter chain.
	if err := m.SendPacket(key, []byte("a")); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	if got := readWithDeadline(t, client, 2*time.Second); got != "a" {
		t.Fatalf("first echo = %q, want %q", got, "a")
	}

	// Install a write-path filter mid-session; the next packet must be
	// rewritten by it even though the session already existed.
	writeCfg, _ := json.Marshal(map[string]any{"on": "WRITE", "bytes": []byte("!")})
	if err := cfg.Apply(config.ListenerResource([]filter.FilterConfig{
		{Name: "concatenate_bytes", Config: writeCfg},
	})); err != nil {
		t.Fatalf("apply listener: %v", err)
	}

	if err := m.SendPacket(key, []byte("b")); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	if got := readWithDeadline(t, client, 2*time.Second); got != "b!" {
		t.Fatalf("second echo = %q, want %q", got, "b!")
	}
}

func TestSweeperExpiresIdleSessions(t *testing.T) {
	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New("proxy-1", filter.Default)
	timeout := 50 * time.Millisecond
	m := session.New(ctx, listener, cfg, timeout, nil, nil)
	defer m.Shutdown()

	go m.RunSweeper(ctx, 10*time.Millisecond)

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
	if err := m.SendPacket(key, []byte("x")); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	_ = readWithDeadline(t, client, 2*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session was not swept within the expiry window: still %d live", m.Len())
}

// countingMetrics is a minimal session.Metrics recorder for tests that
// need to distinguish which teardown path fired.
type countingMetrics struct {
	created, expired, readErrors, packetsUp, packetsDown int
}

func (c *countingMetrics) SessionCreated()   { c.created++ }
func (c *countingMetrics) SessionExpired()   { c.expired++ }
func (c *countingMetrics) SessionReadError() { c.readErrors++ }
func (c *countingMetrics) PacketsUp()        { c.packetsUp++ }
func (c *countingMetrics) PacketsDown()      { c.packetsDown++ }

func TestPersistentReadErrorTearsDownSessionAndRecordsDedicatedMetric(t *testing.T) {
	upstream := mustListenUDP(t)
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.New("proxy-1", filter.Default)
	metrics := &countingMetrics{}
	m := session.New(ctx, listener, cfg, time.Minute, metrics, nil)
	defer m.Shutdown()

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
	if err := m.SendPacket(key, []byte("x")); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	_ = readWithDeadline(t, client, 2*time.Second)

	// Closing the upstream socket and sending to it again draws an ICMP
	// port-unreachable, which the session's connected socket reports to
	// its reader as a persistent (non-transient) read error.
	upstream.Close()
	if err := m.SendPacket(key, []byte("y")); err != nil {
		t.Fatalf("send packet after upstream close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Len() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := m.Len(); got != 0 {
		t.Fatalf("session was not torn down after persistent read error: still %d live", got)
	}
	if metrics.readErrors != 1 {
		t.Fatalf("SessionReadError calls = %d, want 1", metrics.readErrors)
	}
	if metrics.expired != 0 {
		t.Fatalf("SessionExpired must not fire for a read-error teardown, got %d calls", metrics.expired)
	}
}

func TestShutdownTearsDownAllSessions(t *testing.T) {
	upstream := mustListenUDP(t)
	defer upstream.Close()
	go echoServer(upstream)

	listener := mustListenUDP(t)
	defer listener.Close()

	client := mustListenUDP(t)
	defer client.Close()

	ctx := context.Background()
	cfg := config.New("proxy-1", filter.Default)
	m := session.New(ctx, listener, cfg, time.Minute, nil, nil)

	key := session.Key{
		Source: client.LocalAddr().(*net.UDPAddr).AddrPort(),
		Dest:   upstream.LocalAddr().(*net.UDPAddr).AddrPort(),
	}
	if err := m.SendPacket(key, []byte("x")); err != nil {
		t.Fatalf("send packet: %v", err)
	}
	_ = readWithDeadline(t, client, 2*time.Second)

	m.Shutdown()

	if got := m.Len(); got != 0 {
		t.Fatalf("want 0 sessions after shutdown, got %d", got)
	}
}
