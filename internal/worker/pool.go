// Package worker implements the downstream worker pool: the set of
// goroutines that read client datagrams off the listener address, run the
// read-path filter chain, and fan packets out to the session map.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"

	"github.com/dantte-lp/goquilkin/internal/config"
	"github.com/dantte-lp/goquilkin/internal/endpoint"
	"github.com/dantte-lp/goquilkin/internal/filter"
	"github.com/dantte-lp/goquilkin/internal/netio"
	"github.com/dantte-lp/goquilkin/internal/session"
)

// Drop reasons reported to Metrics.IncDropped.
const (
	DropReasonNoEndpoints  = "no_endpoints"
	DropReasonFilterReject = "filter_reject"
)

// Metrics receives a tick for every datagram dropped before dispatch. A
// nil Metrics is never invoked; Pool checks before every call.
type Metrics interface {
	IncDropped(reason string)
}

// Sender is the subset of session.Map a worker needs: fan-out dispatch to
// a (client, upstream) session, creating it on first use.
type Sender interface {
	SendPacket(key session.Key, contents []byte) error
}

// Pool is the downstream worker pool: one goroutine per binder, each with
// its own SO_REUSEPORT-bound socket reading the same address. Workers
// never share a socket or synchronize on the receive path.
type Pool struct {
	addr     string
	cfg      *config.Config
	sessions Sender
	metrics  Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	conns []*net.UDPConn
	wg    sync.WaitGroup
}

// New returns a Pool bound to addr (host:port) that will dispatch through
// sessions using cfg's live cluster and filter state. metrics may be nil.
func New(addr string, cfg *config.Config, sessions Sender, metrics Metrics, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		addr:     addr,
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "worker.pool")),
	}
}

// Run binds one REUSEPORT socket per available CPU and blocks each in its
// own goroutine until ctx is cancelled. Run itself blocks until every
// worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	n := runtime.GOMAXPROCS(0)

	conns := make([]*net.UDPConn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := netio.ListenReusePort(ctx, "udp", p.addr)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return err
		}
		conns = append(conns, conn)
	}

	p.mu.Lock()
	p.conns = conns
	p.mu.Unlock()

	for i, conn := range conns {
		p.wg.Add(1)
		go p.runWorker(ctx, i, conn)
	}

	<-ctx.Done()

	for _, conn := range conns {
		_ = conn.Close()
	}

	p.wg.Wait()

	return nil
}

// runWorker is a single worker's per-packet loop: read, snapshot config,
// flatten endpoints, run the read-path filter chain, fan out to sessions.
func (p *Pool) runWorker(ctx context.Context, id int, conn *net.UDPConn) {
	defer p.wg.Done()

	log := p.logger.With(slog.Int("worker", id))

	for {
		bufPtr := netio.PacketPool.Get().(*[]byte)
		n, clientAddr, err := conn.ReadFromUDPAddrPort(*bufPtr)
		if err != nil {
			netio.PacketPool.Put(bufPtr)
			if ctx.Err() != nil {
				return
			}
			if netio.IsTransient(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug("worker read error", slog.String("error", err.Error()))
			continue
		}

		contents := make([]byte, n)
		copy(contents, (*bufPtr)[:n])
		netio.PacketPool.Put(bufPtr)

		p.dispatch(log, clientAddr, contents)
	}
}

func (p *Pool) dispatch(log *slog.Logger, clientAddr netip.AddrPort, contents []byte) {
	clusters := p.cfg.Clusters.Load()
	chain := p.cfg.Filters.Load()

	endpoints := clusters.Endpoints()
	if len(endpoints) == 0 {
		p.drop(DropReasonNoEndpoints)
		return
	}

	rctx := &filter.ReadContext{
		Source:    endpoint.New(clientAddr),
		Endpoints: endpoints,
		Contents:  contents,
	}

	ok, err := chain.Read(rctx)
	if err != nil {
		log.Debug("read filter chain error", slog.String("error", err.Error()))
		p.drop(DropReasonFilterReject)
		return
	}
	if !ok {
		p.drop(DropReasonFilterReject)
		return
	}

	for _, ep := range rctx.Endpoints {
		key := session.Key{Source: clientAddr, Dest: ep.Address}
		if err := p.sessions.SendPacket(key, rctx.Contents); err != nil {
			log.Debug("session dispatch failed",
				slog.String("dest", ep.Address.String()), slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) drop(reason string) {
	if p.metrics != nil {
		p.metrics.IncDropped(reason)
	}
}
