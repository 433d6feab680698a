// Package filter implements the bidirectional packet-transform pipeline:
// a named Filter constructed from opaque JSON config via a process-wide
// Registry of factories, assembled into an ordered FilterChain whose
// write-path traversal is the reverse of its read-path traversal.
package filter

import (
	"encoding/json"
	"errors"

	"github.com/dantte-lp/goquilkin/internal/endpoint"
)

// ErrReject is returned by a Filter to terminate chain processing and
// drop the packet. It carries no payload; callers only test for it with
// errors.Is.
var ErrReject = errors.New("filter: packet rejected")

// ErrFactoryNotFound is returned by the Registry when a chain references
// an unregistered filter name.
var ErrFactoryNotFound = errors.New("filter: factory not found")

// ReadContext is the mutable state threaded through the read-path
// (downstream-to-upstream) filter chain. Filters may rewrite Contents,
// remove or reorder Endpoints, and annotate Metadata; any of those
// mutations is visible to filters later in the chain.
type ReadContext struct {
	Source    endpoint.Endpoint
	Endpoints []endpoint.Endpoint
	Contents  []byte
	Metadata  map[string]any
}

// WriteContext is the mutable state threaded through the write-path
// (upstream-to-downstream) filter chain, run in the reverse order of the
// read path.
type WriteContext struct {
	From     endpoint.Endpoint
	To       endpoint.Endpoint
	Contents []byte
	Metadata map[string]any
}

// Filter is one bidirectional processing unit in a chain. ReadFilter and
// WriteFilter return ErrReject (via errors.Is) to drop the packet; any
// other non-nil error is treated as a chain-fatal condition and also
// drops the packet.
type Filter interface {
	// Name reports the registered name this filter instance was
	// constructed under.
	Name() string

	// ReadFilter mutates ctx in place on the downstream-to-upstream path.
	ReadFilter(ctx *ReadContext) error

	// WriteFilter mutates ctx in place on the upstream-to-downstream
	// path.
	WriteFilter(ctx *WriteContext) error
}

// Factory constructs a Filter from opaque, filter-specific JSON config.
// Implementations validate config at construction time and return a
// validation error for malformed input.
type Factory interface {
	// Name is the string a FilterConfig.Name must match to select this
	// factory.
	Name() string

	// Build validates config and returns a new Filter instance.
	Build(config json.RawMessage) (Filter, error)
}

// FilterConfig is one entry in a chain definition: a registered filter
// name paired with its opaque JSON configuration.
type FilterConfig struct {
	Name   string
	Config json.RawMessage
}
