// Package endpoint holds the proxy's upstream-target data model: Endpoint,
// Locality, LocalityEndpoints and LocalitySet, as described in the data
// plane's data model (value-typed, hashable, orderable endpoints grouped
// by an optional region/zone/sub-zone locality).
package endpoint

import (
	"cmp"
	"net/netip"
)

// Locality is a (region, zone, sub-zone) triple. Any field may be empty.
// Equality and ordering are lexicographic over the triple.
type Locality struct {
	Region  string
	Zone    string
	SubZone string
}

// Compare orders localities lexicographically by region, then zone, then
// sub-zone, matching the derived Ord on the original Rust type.
func (l Locality) Compare(o Locality) int {
	if c := cmp.Compare(l.Region, o.Region); c != 0 {
		return c
	}
	if c := cmp.Compare(l.Zone, o.Zone); c != 0 {
		return c
	}
	return cmp.Compare(l.SubZone, o.SubZone)
}

// IsZero reports whether l is the empty locality.
func (l Locality) IsZero() bool {
	return l == Locality{}
}

// Metadata is opaque, filter-visible data attached to an Endpoint. Tokens
// holds the "quilkin.dev.tokens" connection-identifying byte strings from
// the YAML schema (§6); filters may use them to route or authenticate
// traffic. Metadata carries no semantics of its own at this layer.
type Metadata struct {
	Tokens [][]byte
}

// Clone returns a deep copy of m.
func (m Metadata) Clone() Metadata {
	if m.Tokens == nil {
		return Metadata{}
	}
	out := make([][]byte, len(m.Tokens))
	for i, t := range m.Tokens {
		out[i] = append([]byte(nil), t...)
	}
	return Metadata{Tokens: out}
}

// compareTokens orders two token lists lexicographically, shorter-prefix
// first, to give Endpoint a total order even when addresses collide.
func compareTokens(a, b [][]byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := cmp.Compare(string(a[i]), string(b[i])); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

// Endpoint is one upstream destination: a socket address plus opaque
// metadata. Endpoints are value-typed and totally ordered by address then
// metadata so they can live in an ordered set.
type Endpoint struct {
	Address  netip.AddrPort
	Metadata Metadata
}

// New returns an Endpoint at addr with empty metadata.
func New(addr netip.AddrPort) Endpoint {
	return Endpoint{Address: addr}
}

// Compare orders endpoints by address, then by metadata tokens.
func (e Endpoint) Compare(o Endpoint) int {
	if c := addrPortCompare(e.Address, o.Address); c != 0 {
		return c
	}
	return compareTokens(e.Metadata.Tokens, o.Metadata.Tokens)
}

// Equal reports whether e and o are the same endpoint value.
func (e Endpoint) Equal(o Endpoint) bool {
	return e.Compare(o) == 0
}

func addrPortCompare(a, b netip.AddrPort) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Port(), b.Port())
}
