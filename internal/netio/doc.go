// Package netio provides the UDP socket primitives used by the data plane:
// a REUSEPORT-bound listener socket shared (by binding, not by fd) across
// the downstream worker pool, and ephemeral per-session upstream sockets.
package netio
