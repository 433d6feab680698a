package netio

import "sync"

// PacketPool recycles MaxDatagramSize-sized byte slices for datagram reads,
// avoiding a per-packet allocation on the hot path. Get returns a *[]byte;
// callers must Put it back once the bytes are no longer needed.
var PacketPool = sync.Pool{
	New: func() any {
		b := make([]byte, MaxDatagramSize)
		return &b
	},
}
