package session

import (
	"context"
	"time"
)

// RunSweeper blocks, scanning the map every pollInterval and removing any
// session idle for at least m.timeout, until ctx is cancelled. Intended to
// be run in its own goroutine from the proxy's lifecycle (§4.7).
func (m *Map) RunSweeper(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep scans entries under a read lock to find expired keys, then
// removes each one outside the lock. The scan never holds the map-wide
// lock across socket teardown.
func (m *Map) sweep() {
	m.mu.RLock()
	var expired []Key
	for k, e := range m.entries {
		if e.idleSince() >= m.timeout {
			expired = append(expired, k)
		}
	}
	m.mu.RUnlock()

	for _, k := range expired {
		m.remove(k)
	}
}
