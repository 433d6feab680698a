// Package cluster holds the Cluster and ClusterMap types: a named,
// locality-grouped collection of upstream endpoints, and the map of
// cluster name to Cluster that backs the Config's clusters slot (§3, §4.2).
package cluster

import (
	"github.com/dantte-lp/goquilkin/internal/endpoint"
)

// DefaultName identifies the default cluster: the empty string.
const DefaultName = ""

// Cluster is a named collection of locality-grouped endpoints.
type Cluster struct {
	Name       string
	Localities endpoint.LocalitySet
}

// NewCluster returns an empty Cluster with the given name.
func NewCluster(name string) Cluster {
	return Cluster{Name: name}
}

// Endpoints returns the union of endpoints across every locality in c.
func (c Cluster) Endpoints() []endpoint.Endpoint {
	return c.Localities.Endpoints()
}

// EndpointCount returns len(c.Endpoints()) without allocating the slice.
func (c Cluster) EndpointCount() int {
	n := 0
	for _, le := range c.Localities.All() {
		n += len(le.Endpoints)
	}
	return n
}

// Clone returns a deep copy of c.
func (c Cluster) Clone() Cluster {
	return Cluster{Name: c.Name, Localities: c.Localities.Clone()}
}

// ClusterMap maps cluster name to Cluster. A default cluster (name "")
// always exists. Modifications are meant to be observed atomically by
// readers via the Config Slot that wraps a ClusterMap value (§4.1, §4.2).
type ClusterMap struct {
	clusters map[string]Cluster
}

// New returns a ClusterMap containing only an empty default cluster.
func New() ClusterMap {
	return ClusterMap{
		clusters: map[string]Cluster{
			DefaultName: NewCluster(DefaultName),
		},
	}
}

// NewWithDefaultCluster returns a ClusterMap whose default cluster holds
// the given endpoints in a single (no-locality) group.
func NewWithDefaultCluster(endpoints ...endpoint.Endpoint) ClusterMap {
	m := New()
	m.InsertDefault(endpoints)
	return m
}

// Insert adds c to the map, replacing any existing cluster of the same
// name. It always allocates a fresh backing map rather than writing
// through m.clusters in place: a ClusterMap value loaded from a Slot
// shares its map header with whatever is concurrently published there,
// so an in-place write would race a reader ranging over that same map
// (worker.Pool.dispatch, via Endpoints()). Copy-on-write keeps every
// previously-Load()ed ClusterMap's view frozen.
func (m *ClusterMap) Insert(c Cluster) {
	next := make(map[string]Cluster, len(m.clusters)+1)
	for name, existing := range m.clusters {
		next[name] = existing
	}
	next[c.Name] = c
	m.clusters = next
}

// InsertDefault is shorthand for putting endpoints into the default
// cluster's single (no-locality) group.
func (m *ClusterMap) InsertDefault(endpoints []endpoint.Endpoint) {
	c := NewCluster(DefaultName)
	c.Localities.Insert(endpoint.NewLocalityEndpoints(endpoints...))
	m.Insert(c)
}

// Get returns the cluster with the given name, if present.
func (m ClusterMap) Get(name string) (Cluster, bool) {
	c, ok := m.clusters[name]
	return c, ok
}

// DefaultCluster returns the default cluster, creating an empty one if it
// is somehow missing.
func (m ClusterMap) DefaultCluster() Cluster {
	c, ok := m.clusters[DefaultName]
	if !ok {
		return NewCluster(DefaultName)
	}
	return c
}

// ModifyDefaultCluster applies fn to a clone of the default cluster and
// stores the result back via Insert. Intended to be called from inside
// a Config Slot's modify callback (§4.1: "default_cluster_mut() (edit
// under modify)"). fn receives a clone, not the stored Cluster itself,
// since Cluster.Localities wraps its own map and a raw copy would still
// share it with whatever is concurrently published.
func (m *ClusterMap) ModifyDefaultCluster(fn func(*Cluster)) {
	c := m.DefaultCluster().Clone()
	fn(&c)
	m.Insert(c)
}

// Endpoints returns every endpoint across every cluster and locality,
// each appearing exactly once per occurrence.
func (m ClusterMap) Endpoints() []endpoint.Endpoint {
	var out []endpoint.Endpoint
	for _, c := range m.clusters {
		out = append(out, c.Endpoints()...)
	}
	return out
}

// EndpointCount returns len(m.Endpoints()) without allocating the slice.
func (m ClusterMap) EndpointCount() int {
	n := 0
	for _, c := range m.clusters {
		n += c.EndpointCount()
	}
	return n
}

// Names returns every cluster name currently present.
func (m ClusterMap) Names() []string {
	out := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		out = append(out, name)
	}
	return out
}

// UpdateUnlocatedEndpoints promotes endpoints currently keyed under "no
// locality", in every cluster, to the given locality. Each cluster is
// cloned before its Localities are edited, and the whole map is rebuilt
// fresh, so a concurrently-published view of m is never mutated in
// place (see Insert).
func (m *ClusterMap) UpdateUnlocatedEndpoints(loc endpoint.Locality) {
	next := make(map[string]Cluster, len(m.clusters))
	for name, c := range m.clusters {
		c = c.Clone()
		c.Localities.UpdateUnlocated(loc)
		next[name] = c
	}
	m.clusters = next
}

// Clone returns a deep copy of m.
func (m ClusterMap) Clone() ClusterMap {
	out := ClusterMap{clusters: make(map[string]Cluster, len(m.clusters))}
	for name, c := range m.clusters {
		out.clusters[name] = c.Clone()
	}
	return out
}
