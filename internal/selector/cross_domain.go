package selector

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/domaintree"
)

// CrossDomain implements the CROSSDOMAIN nodeset policy: every domain
// at the cross-domain scope receives the same number of picks. When
// exclusions leave the domains with unequal supply, the selector keeps
// the configuration that yields the most shards in full equal-sized
// shares — a rack holding only 3 eligible shards next to full racks of
// 5 gives 5 racks x 3, not 2 racks x 5. Within a domain's share a
// rendezvous-hashed pick names the member shards, so a single shard
// joining or leaving one domain never reshuffles another domain's
// assignment.
type CrossDomain struct {
	// scope overrides the share granularity; nil means the replication
	// property's finest required scope.
	scope *clusterview.Scope
}

func NewCrossDomain() *CrossDomain { return &CrossDomain{} }

// CrossDomainAt pins the share granularity to a specific scope instead
// of deriving it from the log's replication property.
func CrossDomainAt(s clusterview.Scope) *CrossDomain {
	return &CrossDomain{scope: &s}
}

func (c *CrossDomain) scopeFor(attrs clusterview.LogAttributes) clusterview.Scope {
	if c.scope != nil {
		return *c.scope
	}
	s := finestRequiredScope(attrs.Replication)
	if s == clusterview.ScopeNode {
		// No scope constrained below the total replica count; shares per
		// rack keep the placement spread without over-constraining.
		return clusterview.ScopeRack
	}
	return s
}

func (c *CrossDomain) GetStorageSetSize(attrs clusterview.LogAttributes, view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) int {
	tree := domaintree.Build(view, excluded)
	_, total := equalShares(tree, c.scopeFor(attrs), c.roundedSize(attrs, tree), attrs.Replication)
	return total
}

// roundedSize rounds the requested nodeset size to the equal-share
// structure of the cross-domain scope without capping by supply — the
// supply-aware adjustment happens in equalShares, which may settle on
// fewer shards per domain than the even split when exclusions have
// left some domains short.
func (c *CrossDomain) roundedSize(attrs clusterview.LogAttributes, tree *domaintree.Tree) int {
	target := targetSize(attrs, tree)
	r := 0
	if attrs.Replication != nil {
		r = attrs.Replication.TotalReplicas()
	}
	return minimumStorageSetSize(target, r, len(tree.Domains(c.scopeFor(attrs))), 0)
}

// equalShares picks the per-domain share for a target size: the equal
// split of size across all domains when every domain can supply it,
// otherwise the share maximizing shards placed in full equal-sized
// shares across the domains that can. Returns the per-domain share and
// the total size it yields (0 when no share meets the replication
// property's domain requirement).
func equalShares(tree *domaintree.Tree, scope clusterview.Scope, size int, rp *clusterview.ReplicationProperty) (share, total int) {
	domains := tree.Domains(scope)
	if len(domains) == 0 || size <= 0 {
		return 0, 0
	}
	supplies := make([]int, len(domains))
	maxSupply := 0
	for i, d := range domains {
		supplies[i] = len(tree.Shards(d.Key))
		if supplies[i] > maxSupply {
			maxSupply = supplies[i]
		}
	}

	minDomains := 0
	if rp != nil {
		minDomains = rp.Count(scope)
	}

	want := size / len(domains)
	if want < 1 {
		want = 1
	}

	bestShare, bestTotal := 0, 0
	for s := 1; s <= maxSupply && s <= want; s++ {
		covered := 0
		for _, sup := range supplies {
			if sup >= s {
				covered++
			}
		}
		if covered < minDomains {
			continue
		}
		t := s * covered
		if t > size {
			continue
		}
		// Prefer more total shards; on ties, the smaller share spreads
		// across more domains.
		if t > bestTotal {
			bestShare, bestTotal = s, t
		}
	}
	return bestShare, bestTotal
}

func (c *CrossDomain) GetStorageSet(ctx context.Context, logID clusterview.LogID, attrs clusterview.LogAttributes, view *clusterview.View, existing []clusterview.ShardID, excluded map[clusterview.NodeIndex]struct{}) (Result, error) {
	tree := domaintree.Build(view, excluded)
	size := c.roundedSize(attrs, tree)
	if size <= 0 {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}

	scope := c.scopeFor(attrs)
	share, total := equalShares(tree, scope, size, attrs.Replication)
	if share == 0 || (attrs.Replication != nil && total < attrs.Replication.TotalReplicas()) {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}

	var nodeset []clusterview.ShardID
	for _, d := range tree.Domains(scope) {
		if len(tree.Shards(d.Key)) < share {
			continue
		}
		nodeset = append(nodeset, rendezvousPickShards(tree, d.Key, share, logID)...)
	}

	if len(nodeset) != total || (attrs.Replication != nil && !attrs.Replication.Satisfies(view, nodeset)) {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}
	sort.Slice(nodeset, func(i, j int) bool { return nodeset[i].Less(nodeset[j]) })
	return decide(nodeset, existing), nil
}

// rendezvousPickShards ranks every shard under domain by rendezvous
// score against the log's identity and returns the top n — the
// highest-random-weight rule means a shard joining or leaving the
// domain shifts at most its own slot. A share of 1 goes through the
// rendezvous library's own Lookup; larger shares rank every shard by
// xxhash of (shard key, log seed), a different score from Lookup's, so
// the top shard of a larger share is not necessarily the one Lookup
// would return.
func rendezvousPickShards(tree *domaintree.Tree, domain domaintree.DomainKey, n int, logID clusterview.LogID) []clusterview.ShardID {
	shards := tree.Shards(domain)
	if len(shards) == 0 {
		return nil
	}
	keys := make([]string, len(shards))
	byKey := make(map[string]clusterview.ShardID, len(shards))
	for i, id := range shards {
		k := id.String()
		keys[i] = k
		byKey[k] = id
	}
	seed := fmt.Sprintf("log:%d", logID)

	if n == 1 {
		r := rendezvous.New(keys, xxhash.Sum64String)
		return []clusterview.ShardID{byKey[r.Lookup(seed)]}
	}

	type scored struct {
		key   string
		score uint64
	}
	ranked := make([]scored, len(keys))
	for i, k := range keys {
		ranked[i] = scored{key: k, score: xxhash.Sum64String(k + "\x00" + seed)}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].key < ranked[j].key
	})
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]clusterview.ShardID, n)
	for i := 0; i < n; i++ {
		out[i] = byKey[ranked[i].key]
	}
	return out
}
