// Package domaintree builds the failure-domain tree: a hierarchical
// grouping of eligible shards by location prefix, rebuilt once per
// selector invocation and dropped on return (it belongs solely to the
// operation that built it, per the cluster view's ownership model).
//
// Each scope's domains are indexed in a google/btree ordered map keyed
// by domain path, giving ordered enumeration of domains at a scope
// without a full sort on every lookup.
package domaintree

import (
	"fmt"
	"sort"

	"github.com/google/btree"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// DomainKey identifies one domain: a scope and the path prefix (or, at
// ScopeNode, the node index) that names it.
type DomainKey struct {
	Scope clusterview.Scope
	Path  string
}

func nodeDomainKey(idx clusterview.NodeIndex) string {
	return fmt.Sprintf("node:%d", idx)
}

// Domain is one node of the tree: a location prefix at a scope,
// carrying the cumulative weight of its eligible shards and — for a
// ScopeNode-level domain — the shards themselves.
type Domain struct {
	Key    DomainKey
	Weight int64
	Shards []clusterview.ShardID // populated only at ScopeNode domains
}

func (d *Domain) less(other *Domain) bool {
	if d.Key.Scope != other.Key.Scope {
		return d.Key.Scope < other.Key.Scope
	}
	return d.Key.Path < other.Key.Path
}

// Tree indexes eligible shards by failure domain, one btree per scope.
type Tree struct {
	view      *clusterview.View
	byScope   [clusterview.NumScopes]*btree.BTreeG[*Domain]
	byKey     map[DomainKey]*Domain
	childrenOf map[DomainKey][]DomainKey // domain -> immediate children at next finer scope
}

// Build indexes every shard returned by view.EligibleShards(excluded)
// into the tree. A shard's weight is its node's StorageWeight; a node
// with ExcludeFromNodesets or a non-writable storage state contributes
// zero weight and is absent from the eligible set entirely (callers
// needing zero-weight-but-present semantics should not use this tree —
// it only ever indexes eligible shards).
func Build(view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) *Tree {
	t := &Tree{
		view:       view,
		byKey:      make(map[DomainKey]*Domain),
		childrenOf: make(map[DomainKey][]DomainKey),
	}
	for s := 0; s < clusterview.NumScopes; s++ {
		t.byScope[s] = btree.NewG(32, func(a, b *Domain) bool { return a.less(b) })
	}

	for _, id := range view.EligibleShards(excluded) {
		n := view.Node(id.NodeIndex)
		weight := n.StorageWeight
		if weight <= 0 {
			weight = 1
		}
		for s := clusterview.Scope(0); s < clusterview.ScopeNode; s++ {
			key := DomainKey{Scope: s, Path: n.Location.Prefix(s).Key()}
			t.addWeight(key, weight)
		}
		nodeKey := DomainKey{Scope: clusterview.ScopeNode, Path: nodeDomainKey(id.NodeIndex)}
		d := t.getOrCreate(nodeKey)
		d.Weight += weight
		d.Shards = append(d.Shards, id)

		// link node domain under its immediate rack parent
		if clusterview.ScopeRack < clusterview.ScopeNode {
			parentKey := DomainKey{Scope: clusterview.ScopeRack, Path: n.Location.Prefix(clusterview.ScopeRack).Key()}
			t.linkChild(parentKey, nodeKey)
		}
	}

	// link scope-to-scope parent/child relationships for s < ScopeRack
	for s := clusterview.Scope(0); s < clusterview.ScopeRack; s++ {
		t.byScope[s].Ascend(func(d *Domain) bool {
			t.byScope[s+1].Ascend(func(c *Domain) bool {
				if hasPrefixKey(c.Key.Path, d.Key.Path) {
					t.linkChild(d.Key, c.Key)
				}
				return true
			})
			return true
		})
	}

	for _, children := range t.childrenOf {
		sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	}
	return t
}

// hasPrefixKey reports whether prefix names an ancestor domain of full:
// the match must end on a label boundary so "us/dc1" does not claim
// "us/dc10" as a child.
func hasPrefixKey(full, prefix string) bool {
	if len(full) < len(prefix) || full[:len(prefix)] != prefix {
		return false
	}
	return len(full) == len(prefix) || full[len(prefix)] == '/'
}

func (t *Tree) addWeight(key DomainKey, weight int64) {
	d := t.getOrCreate(key)
	d.Weight += weight
}

func (t *Tree) getOrCreate(key DomainKey) *Domain {
	if d, ok := t.byKey[key]; ok {
		return d
	}
	d := &Domain{Key: key}
	t.byKey[key] = d
	t.byScope[key.Scope].ReplaceOrInsert(d)
	return d
}

func (t *Tree) linkChild(parent, child DomainKey) {
	for _, c := range t.childrenOf[parent] {
		if c == child {
			return
		}
	}
	t.childrenOf[parent] = append(t.childrenOf[parent], child)
}

// Domains enumerates every domain at the given scope, ordered by path.
func (t *Tree) Domains(scope clusterview.Scope) []*Domain {
	var out []*Domain
	if int(scope) < 0 || int(scope) >= clusterview.NumScopes {
		return out
	}
	t.byScope[scope].Ascend(func(d *Domain) bool {
		out = append(out, d)
		return true
	})
	return out
}

// Children returns the immediate child domains (next finer scope) of
// the given domain.
func (t *Tree) Children(key DomainKey) []*Domain {
	var out []*Domain
	for _, ck := range t.childrenOf[key] {
		if d, ok := t.byKey[ck]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Shards returns every shard under a domain at any scope, gathered
// recursively from its ScopeNode descendants.
func (t *Tree) Shards(key DomainKey) []clusterview.ShardID {
	if key.Scope == clusterview.ScopeNode {
		d := t.byKey[key]
		if d == nil {
			return nil
		}
		out := make([]clusterview.ShardID, len(d.Shards))
		copy(out, d.Shards)
		return out
	}
	var out []clusterview.ShardID
	for _, c := range t.Children(key) {
		out = append(out, t.Shards(c.Key)...)
	}
	return out
}

// Domain looks up a single domain by key.
func (t *Tree) Domain(key DomainKey) (*Domain, bool) {
	d, ok := t.byKey[key]
	return d, ok
}

// TotalEligibleShards is the count of shards indexed into the tree.
func (t *Tree) TotalEligibleShards() int {
	n := 0
	for _, d := range t.Domains(clusterview.ScopeNode) {
		n += len(d.Shards)
	}
	return n
}
