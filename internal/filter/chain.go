package filter

import (
	"errors"
	"slices"
)

// FilterChain is an ordered, immutable sequence of Filters. The
// write-path traversal order is always the reverse of the read-path
// traversal order; FilterChain does not store two separate orderings,
// only the one slice.
type FilterChain struct {
	filters []Filter
}

// NewFilterChain returns a FilterChain over filters, in read-path order.
func NewFilterChain(filters ...Filter) FilterChain {
	return FilterChain{filters: slices.Clone(filters)}
}

// Len reports the number of filters in the chain.
func (fc FilterChain) Len() int {
	return len(fc.filters)
}

// Names returns the registered name of each filter, in read-path order.
func (fc FilterChain) Names() []string {
	out := make([]string, len(fc.filters))
	for i, f := range fc.filters {
		out[i] = f.Name()
	}
	return out
}

// Read runs every filter's ReadFilter in forward order against ctx. It
// returns (true, nil) if the packet survives the whole chain, or
// (false, nil) if some filter rejected it. A non-nil error indicates a
// filter-internal failure unrelated to a deliberate reject.
func (fc FilterChain) Read(ctx *ReadContext) (bool, error) {
	for _, f := range fc.filters {
		if err := f.ReadFilter(ctx); err != nil {
			if isReject(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Write runs every filter's WriteFilter in reverse order against ctx.
func (fc FilterChain) Write(ctx *WriteContext) (bool, error) {
	for i := len(fc.filters) - 1; i >= 0; i-- {
		if err := fc.filters[i].WriteFilter(ctx); err != nil {
			if isReject(err) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

func isReject(err error) bool {
	return errors.Is(err, ErrReject)
}
