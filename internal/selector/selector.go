// Package selector implements the nodeset selection policies: given a
// log's replication requirements and the current cluster view, decide
// which shards host the log's data and whether an existing nodeset
// still satisfies the configuration.
//
// Three selectors are provided, one per policy named in the cluster's
// per-log settings: WeightAware (proportional-quota sampling),
// ConsistentHash (virtual-ring placement, minimal churn on
// reconfiguration), and CrossDomain (equal shares per domain). All
// three share the Selector interface and lean on the failure-domain
// tree (internal/domaintree) to enumerate candidate domains.
package selector

import (
	"context"
	"errors"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/domaintree"
)

// ErrInsufficientCapacity is returned when the eligible shard universe
// cannot satisfy the log's replication property at all, regardless of
// algorithm — e.g. fewer distinct racks than the rack-scope requirement.
var ErrInsufficientCapacity = errors.New("selector: insufficient eligible capacity for replication property")

// Decision is the outcome of evaluating a nodeset against the current
// configuration.
type Decision int

const (
	// Keep means the existing nodeset equals what a fresh computation
	// produces and needs no change.
	Keep Decision = iota
	// NeedsChange means a new nodeset was computed and should replace
	// the existing one (an epoch bump).
	NeedsChange
	// Failed means no nodeset satisfying the replication property could
	// be found.
	Failed
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "KEEP"
	case NeedsChange:
		return "NEEDS_CHANGE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result is the outcome of GetStorageSet.
type Result struct {
	Decision Decision
	Nodeset  []clusterview.ShardID
}

// Selector computes and validates nodesets for a log against a cluster
// view. Implementations are stateless with respect to the view: every
// call is a pure function of (logID, attrs, view, existing, excluded).
type Selector interface {
	// GetStorageSet computes the nodeset a log should use. If existing
	// equals the freshly computed set, the implementation returns Keep
	// with existing unchanged; selection is deterministic per
	// (logID, view, excluded), so an unchanged configuration always
	// keeps.
	GetStorageSet(ctx context.Context, logID clusterview.LogID, attrs clusterview.LogAttributes, view *clusterview.View, existing []clusterview.ShardID, excluded map[clusterview.NodeIndex]struct{}) (Result, error)

	// GetStorageSetSize reports how many shards a log's nodeset would
	// contain under the given attributes, view, and exclusion set,
	// without computing the nodeset itself. It equals len(Nodeset) of
	// the corresponding NeedsChange GetStorageSet call.
	GetStorageSetSize(attrs clusterview.LogAttributes, view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) int
}

// targetSize resolves a log's nominal requested nodeset size before any
// rounding: the configured NodesetSize if set, else all eligible shards.
func targetSize(attrs clusterview.LogAttributes, tree *domaintree.Tree) int {
	if attrs.NodesetSize != nil && *attrs.NodesetSize > 0 {
		return *attrs.NodesetSize
	}
	return tree.TotalEligibleShards()
}

// finestRequiredScope returns the finest (closest to ScopeNode) scope at
// which the replication property requires domain diversity. It returns
// ScopeNode when the property constrains only the total replica count,
// meaning no equal-share/quota structure applies.
func finestRequiredScope(rp *clusterview.ReplicationProperty) clusterview.Scope {
	finest := clusterview.ScopeNode
	if rp == nil {
		return finest
	}
	for _, s := range rp.Scopes() {
		if s != clusterview.ScopeNode {
			finest = s
		}
	}
	return finest
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// minimumStorageSetSize implements the imprecise-nodeset-size rounding
// rule: a requested size is rounded to a multiple of the number of
// domains eligible to receive an equal share, offset so a replication
// factor smaller than the domain count never forces rounding up past
// what satisfying it actually requires. Concretely: with d domains and
// total replication factor r, a request that exceeds a multiple of d by
// at most (d - r mod d) mod d shards is rounded down to that multiple;
// any larger excess rounds up to the next multiple. 26
// nodes in 5 racks, r=3: requested 8 -> 10, requested 100 -> 25, capped
// by the eligible shard universe.
//
// When numDomains <= 1 there is no domain structure to round against and
// the requested size is returned unchanged except for a floor of r.
func minimumStorageSetSize(target, r, numDomains, capacity int) int {
	if r <= 0 {
		r = target
	}
	if numDomains <= 1 {
		// No domain structure to round against: the requested size
		// stands, floored at r. An infeasible request fails in the
		// selector rather than being silently capped here.
		size := target
		if size < r {
			size = r
		}
		return size
	}

	perDomainMin := ceilDiv(r, numDomains)
	if perDomainMin < 1 {
		perDomainMin = 1
	}
	offset := (numDomains - r%numDomains) % numDomains
	diff := target - offset
	if diff < 0 {
		diff = 0
	}
	shares := ceilDiv(diff, numDomains)
	if shares < perDomainMin {
		shares = perDomainMin
	}
	size := shares * numDomains

	if capacity > 0 && size > capacity {
		size = (capacity / numDomains) * numDomains
		if size == 0 {
			size = capacity
		}
	}
	return size
}

// sizeForTree resolves a log's final nodeset size against an
// already-built domain tree, applying minimumStorageSetSize at the
// replication property's finest required scope.
func sizeForTree(attrs clusterview.LogAttributes, tree *domaintree.Tree) int {
	target := targetSize(attrs, tree)
	capacity := tree.TotalEligibleShards()
	if target <= 0 || attrs.Replication == nil {
		if target > capacity {
			return capacity
		}
		return target
	}
	scope := finestRequiredScope(attrs.Replication)
	numDomains := 0
	if scope != clusterview.ScopeNode {
		numDomains = len(tree.Domains(scope))
	}
	return minimumStorageSetSize(target, attrs.Replication.TotalReplicas(), numDomains, capacity)
}

// storageSetSize is the GetStorageSetSize implementation shared by all
// three selectors: it builds the domain tree fresh (mirroring the
// exclusions GetStorageSet would see) and rounds against it.
func storageSetSize(attrs clusterview.LogAttributes, view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) int {
	tree := domaintree.Build(view, excluded)
	return sizeForTree(attrs, tree)
}

// sameNodeset reports whether two sorted nodesets are identical.
func sameNodeset(a, b []clusterview.ShardID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// decide collapses a freshly computed nodeset against the existing one:
// an equal set keeps the current epoch metadata, anything else is an
// epoch bump.
func decide(fresh, existing []clusterview.ShardID) Result {
	if len(existing) > 0 && sameNodeset(fresh, existing) {
		return Result{Decision: Keep, Nodeset: existing}
	}
	return Result{Decision: NeedsChange, Nodeset: fresh}
}
