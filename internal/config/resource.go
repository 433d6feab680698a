package config

import (
	"github.com/dantte-lp/goquilkin/internal/cluster"
	"github.com/dantte-lp/goquilkin/internal/filter"
)

// ResourceKind identifies which of the three control-plane resource
// variants a Resource carries.
type ResourceKind int

const (
	// ResourceEndpoint is an endpoint assignment for a cluster (EDS).
	ResourceEndpoint ResourceKind = iota
	// ResourceListener carries a filter chain definition (LDS).
	ResourceListener
	// ResourceCluster carries a cluster definition, optionally with an
	// embedded load assignment (CDS).
	ResourceCluster
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceEndpoint:
		return "Endpoint"
	case ResourceListener:
		return "Listener"
	case ResourceCluster:
		return "Cluster"
	default:
		return "Unknown"
	}
}

// Resource is one control-plane (or file-config-derived) update, as
// accepted by Config.Apply. Exactly one of Cluster or Filters is
// meaningful, depending on Kind.
type Resource struct {
	Kind    ResourceKind
	Cluster cluster.Cluster
	Filters []filter.FilterConfig
}

// EndpointResource builds a Resource carrying an endpoint assignment for
// c. c.Name selects the cluster it replaces.
func EndpointResource(c cluster.Cluster) Resource {
	return Resource{Kind: ResourceEndpoint, Cluster: c}
}

// ClusterResource builds a Resource carrying a cluster definition. Pass
// the zero Cluster (EndpointCount()==0) when the wire message carried no
// load assignment; Apply treats it as a no-op, matching the Rust
// source's Option<ClusterLoadAssignment> handling.
func ClusterResource(c cluster.Cluster) Resource {
	return Resource{Kind: ResourceCluster, Cluster: c}
}

// ListenerResource builds a Resource carrying the first filter chain's
// filter definitions from a Listener resource.
func ListenerResource(filters []filter.FilterConfig) Resource {
	return Resource{Kind: ResourceListener, Filters: filters}
}
