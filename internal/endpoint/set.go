package endpoint

import "slices"

// LocalityEndpoints is a group of endpoints associated with an optional
// Locality. The endpoint set is deduplicated and kept in deterministic
// (sorted) order on every mutation.
type LocalityEndpoints struct {
	Locality  *Locality
	Endpoints []Endpoint
}

// NewLocalityEndpoints builds a LocalityEndpoints with no locality from the
// given endpoints, deduplicating and sorting them.
func NewLocalityEndpoints(endpoints ...Endpoint) LocalityEndpoints {
	le := LocalityEndpoints{}
	for _, e := range endpoints {
		le.Insert(e)
	}
	return le
}

// WithLocality returns a copy of le with its locality set to loc.
func (le LocalityEndpoints) WithLocality(loc *Locality) LocalityEndpoints {
	le.Locality = loc
	return le
}

// Insert adds e to the set if not already present, keeping Endpoints
// sorted. Reports whether the endpoint was newly inserted.
func (le *LocalityEndpoints) Insert(e Endpoint) bool {
	idx, found := slices.BinarySearchFunc(le.Endpoints, e, Endpoint.Compare)
	if found {
		return false
	}
	le.Endpoints = slices.Insert(le.Endpoints, idx, e)
	return true
}

// Remove deletes e from the set, if present.
func (le *LocalityEndpoints) Remove(e Endpoint) {
	idx, found := slices.BinarySearchFunc(le.Endpoints, e, Endpoint.Compare)
	if !found {
		return
	}
	le.Endpoints = slices.Delete(le.Endpoints, idx, idx+1)
}

// Clone returns a deep copy of le.
func (le LocalityEndpoints) Clone() LocalityEndpoints {
	out := LocalityEndpoints{Endpoints: slices.Clone(le.Endpoints)}
	if le.Locality != nil {
		loc := *le.Locality
		out.Locality = &loc
	}
	return out
}

// localityKey is a comparable stand-in for Option<Locality>: the "no
// locality" case and every distinct Locality value each get one key.
type localityKey struct {
	has bool
	loc Locality
}

func keyOf(loc *Locality) localityKey {
	if loc == nil {
		return localityKey{}
	}
	return localityKey{has: true, loc: *loc}
}

// LocalitySet maps an optional Locality to its LocalityEndpoints. At most
// one entry exists per distinct Locality value, including the "no
// locality" key; inserting a group whose Locality already exists merges
// the endpoint sets and keeps the existing entry's Locality pointer.
type LocalitySet struct {
	entries map[localityKey]*LocalityEndpoints
}

// NewLocalitySet builds a LocalitySet from the given groups, merging any
// that share a Locality.
func NewLocalitySet(groups ...LocalityEndpoints) LocalitySet {
	ls := LocalitySet{entries: make(map[localityKey]*LocalityEndpoints, len(groups))}
	for _, g := range groups {
		ls.Insert(g)
	}
	return ls
}

// Insert merges group into the set. If a group with the same Locality
// already exists, its endpoint set is unioned with group's; otherwise a
// new entry is created.
func (ls *LocalitySet) Insert(group LocalityEndpoints) {
	if ls.entries == nil {
		ls.entries = make(map[localityKey]*LocalityEndpoints)
	}

	k := keyOf(group.Locality)

	entry, ok := ls.entries[k]
	if !ok {
		stored := group.Clone()
		ls.entries[k] = &stored
		return
	}

	for _, e := range group.Endpoints {
		entry.Insert(e)
	}
}

// Remove deletes the entry for the given locality (nil for "no locality")
// and returns it, if present.
func (ls *LocalitySet) Remove(loc *Locality) (LocalityEndpoints, bool) {
	if ls.entries == nil {
		return LocalityEndpoints{}, false
	}
	entry, ok := ls.entries[keyOf(loc)]
	if !ok {
		return LocalityEndpoints{}, false
	}
	delete(ls.entries, keyOf(loc))
	return *entry, true
}

// Clear removes every entry.
func (ls *LocalitySet) Clear() {
	ls.entries = nil
}

// Len reports the number of distinct locality groups.
func (ls LocalitySet) Len() int {
	return len(ls.entries)
}

// All returns every locality group in the set. Order is unspecified.
func (ls LocalitySet) All() []LocalityEndpoints {
	out := make([]LocalityEndpoints, 0, len(ls.entries))
	for _, e := range ls.entries {
		out = append(out, *e)
	}
	return out
}

// Endpoints returns every endpoint across every locality group, each
// appearing exactly once per occurrence.
func (ls LocalitySet) Endpoints() []Endpoint {
	var out []Endpoint
	for _, e := range ls.entries {
		out = append(out, e.Endpoints...)
	}
	return out
}

// Clone returns a deep copy of ls.
func (ls LocalitySet) Clone() LocalitySet {
	out := LocalitySet{entries: make(map[localityKey]*LocalityEndpoints, len(ls.entries))}
	for k, v := range ls.entries {
		cloned := v.Clone()
		out.entries[k] = &cloned
	}
	return out
}

// UpdateUnlocated moves every endpoint currently keyed under "no locality"
// to the given locality, merging with whatever group already lives there.
// Matches locality.rs's update_unlocated_endpoints semantics.
func (ls *LocalitySet) UpdateUnlocated(loc Locality) {
	unlocated, ok := ls.Remove(nil)
	if !ok {
		return
	}
	l := loc
	ls.Insert(unlocated.WithLocality(&l))
}
