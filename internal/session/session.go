// Package session implements the session map: the demultiplexing table
// that pairs a (client, upstream) 4-tuple with its own upstream-facing UDP
// socket and reader goroutine, as described in the data plane's session
// map (§4.4).
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
	"github.com/dantte-lp/goquilkin/internal/netio"
)

// Key identifies a session by its (client, upstream) 4-tuple.
type Key struct {
	Source netip.AddrPort
	Dest   netip.AddrPort
}

func (k Key) String() string {
	return k.Source.String() + "->" + k.Dest.String()
}

// Metrics receives session lifecycle and data-plane direction ticks. A nil
// Metrics is never invoked; Map checks before every call.
type Metrics interface {
	SessionCreated()
	SessionExpired()
	SessionReadError()
	PacketsUp()
	PacketsDown()
}

type entry struct {
	key          Key
	conn         *net.UDPConn
	cancel       context.CancelFunc
	lastActivity atomic.Pointer[time.Time]
}

func newEntry(key Key, conn *net.UDPConn, cancel context.CancelFunc) *entry {
	e := &entry{key: key, conn: conn, cancel: cancel}
	e.touch()
	return e
}

func (e *entry) touch() {
	now := time.Now()
	e.lastActivity.Store(&now)
}

func (e *entry) idleSince() time.Duration {
	return time.Since(*e.lastActivity.Load())
}

// Map is the live session table. A single shared listener socket is used
// to write datagrams back to clients; each session owns its own upstream
// socket and reader goroutine.
type Map struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	create  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	listener *net.UDPConn
	cfg      *config.Config
	timeout  time.Duration
	metrics  Metrics
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New returns a Map whose sessions are rooted under parentCtx: cancelling
// parentCtx stops RunSweeper and any upstream dial in progress, but open
// session sockets and their readers stay up until Shutdown, which tears
// down every session. listener is
// the shared downstream socket used to write return-path datagrams to
// clients. metrics may be nil.
func New(parentCtx context.Context, listener *net.UDPConn, cfg *config.Config, timeout time.Duration, metrics Metrics, logger *slog.Logger) *Map {
	ctx, cancel := context.WithCancel(parentCtx)

	if logger == nil {
		logger = slog.Default()
	}

	return &Map{
		entries:  make(map[Key]*entry),
		ctx:      ctx,
		cancel:   cancel,
		listener: listener,
		cfg:      cfg,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "session.map")),
	}
}

// SendPacket dispatches contents to the session for key, creating the
// session (and its upstream socket and reader goroutine) on first use.
// Concurrent callers racing to create the same key are serialized through
// a per-key singleflight call; exactly one upstream socket is opened.
func (m *Map) SendPacket(key Key, contents []byte) error {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		v, err, _ := m.create.Do(key.String(), func() (any, error) {
			m.mu.RLock()
			if existing, found := m.entries[key]; found {
				m.mu.RUnlock()
				return existing, nil
			}
			m.mu.RUnlock()
			return m.createSession(key)
		})
		if err != nil {
			return err
		}
		e = v.(*entry)
	}

	e.touch()

	if _, err := e.conn.Write(contents); err != nil {
		return fmt.Errorf("session: write to %s: %w", key.Dest, err)
	}

	if m.metrics != nil {
		m.metrics.PacketsUp()
	}

	return nil
}

func (m *Map) createSession(key Key) (*entry, error) {
	conn, err := netio.DialUpstream(m.ctx, "udp", key.Dest)
	if err != nil {
		return nil, fmt.Errorf("session: create for %s: %w", key, err)
	}

	sessCtx, cancel := context.WithCancel(m.ctx)
	e := newEntry(key, conn, cancel)

	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionCreated()
	}

	m.wg.Add(1)
	go m.readLoop(sessCtx, e)

	return e, nil
}

// readLoop is the per-session reader: it reads datagrams from the
// session's upstream socket, applies the write-path filter chain as it
// stands at packet time (not at session-creation time), and forwards the
// result to the client via the shared listener socket.
func (m *Map) readLoop(ctx context.Context, e *entry) {
	defer m.wg.Done()

	for {
		bufPtr := netio.PacketPool.Get().(*[]byte)
		n, err := e.conn.Read(*bufPtr)
		if err != nil {
			netio.PacketPool.Put(bufPtr)
			if ctx.Err() != nil {
				return
			}
			if netio.IsTransient(err) {
				continue
			}
			m.logger.Debug("session reader terminating on socket error",
				slog.String("key", e.key.String()), slog.String("error", err.Error()))
			m.removeOnReadError(e.key)
			return
		}

		contents := make([]byte, n)
		copy(contents, (*bufPtr)[:n])
		netio.PacketPool.Put(bufPtr)

		e.touch()

		wctx := &filter.WriteContext{
			From:     endpoint.New(e.key.Dest),
			To:       endpoint.New(e.key.Source),
			Contents: contents,
		}

		chain := m.cfg.Filters.Load()
		ok, err := chain.Write(wctx)
		if err != nil {
			m.logger.Debug("write filter chain error",
				slog.String("key", e.key.String()), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}

		if _, err := m.listener.WriteToUDPAddrPort(wctx.Contents, e.key.Source); err != nil {
			m.logger.Debug("write to client failed",
				slog.String("key", e.key.String()), slog.String("error", err.Error()))
			continue
		}

		if m.metrics != nil {
			m.metrics.PacketsDown()
		}
	}
}

// remove drops key's entry, if present, tearing down its socket and
// reader goroutine, and records a SessionExpired tick. Safe to call
// more than once for the same key. Used by the idle sweeper and
// Shutdown; readLoop's own persistent-error teardown goes through
// removeOnReadError instead, which records a distinct metric.
func (m *Map) remove(key Key) {
	if !m.teardown(key) {
		return
	}
	if m.metrics != nil {
		m.metrics.SessionExpired()
	}
}

// removeOnReadError drops key's entry after its upstream reader hit a
// persistent (non-transient) socket error, recording SessionReadError
// rather than the idle-sweep path's SessionExpired tick.
func (m *Map) removeOnReadError(key Key) {
	if !m.teardown(key) {
		return
	}
	if m.metrics != nil {
		m.metrics.SessionReadError()
	}
}

// teardown deletes key's entry and closes its session, reporting
// whether an entry was actually present.
func (m *Map) teardown(key Key) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	e.cancel()
	_ = e.conn.Close()

	return true
}

// Len returns the current number of live sessions.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Shutdown cancels every session and waits for their reader goroutines to
// exit. The Map must not be used afterward.
func (m *Map) Shutdown() {
	m.cancel()

	m.mu.Lock()
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.remove(k)
	}

	m.wg.Wait()
}
