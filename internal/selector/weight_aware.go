package selector

import (
	"context"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/domaintree"
)

// selectorSalt perturbs the per-domain draw seed so a log's draws in
// two sibling domains are independent even when the domain paths hash
// close together.
const selectorSalt = "weight-aware-v1"

// WeightAware distributes a log's nodeset across failure domains
// proportionally to each domain's share of total eligible weight, then
// picks specific shards inside each domain with a weight-biased draw
// seeded from (logID, domain path). It is fully deterministic: the
// same log against the same configuration always produces the same
// nodeset, so repeated GetStorageSet calls during a stable epoch are
// idempotent without persisting the draw.
//
// The quota step fixes how many picks each domain at the replication
// property's finest required scope receives before any individual
// shard is drawn, so domain diversity never depends on the luck of
// the draw.
type WeightAware struct{}

func NewWeightAware() *WeightAware { return &WeightAware{} }

func (w *WeightAware) GetStorageSetSize(attrs clusterview.LogAttributes, view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) int {
	return storageSetSize(attrs, view, excluded)
}

func (w *WeightAware) GetStorageSet(ctx context.Context, logID clusterview.LogID, attrs clusterview.LogAttributes, view *clusterview.View, existing []clusterview.ShardID, excluded map[clusterview.NodeIndex]struct{}) (Result, error) {
	tree := domaintree.Build(view, excluded)
	size := sizeForTree(attrs, tree)
	if size <= 0 {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}
	if tree.TotalEligibleShards() < size {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}

	scope := finestRequiredScope(attrs.Replication)
	var nodeset []clusterview.ShardID
	if scope == clusterview.ScopeNode {
		// No domain diversity required beyond distinct shards: one flat
		// weighted draw over the whole eligible universe.
		nodeset = drawFromShards(tree.Domains(clusterview.ScopeNode), size, seedFor(logID, "", selectorSalt))
	} else {
		quotas, ok := assignQuotas(tree, scope, size, attrs.Replication)
		if !ok {
			return Result{Decision: Failed}, ErrInsufficientCapacity
		}
		for _, q := range quotas {
			picked := drawFromShards(nodeDomainsUnder(tree, q.domain), q.quota, seedFor(logID, q.domain.Path, selectorSalt))
			nodeset = append(nodeset, picked...)
		}
	}

	if len(nodeset) < size || (attrs.Replication != nil && !attrs.Replication.Satisfies(view, nodeset)) {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}

	sort.Slice(nodeset, func(i, j int) bool { return nodeset[i].Less(nodeset[j]) })
	return decide(nodeset, existing), nil
}

type domainQuota struct {
	domain domaintree.DomainKey
	quota  int
}

// assignQuotas splits size across the domains at scope proportionally
// to aggregate weight, rounding by largest remainder so the quotas sum
// to size exactly. Every domain with eligible shards receives at least
// ceil(r_s / #domains) picks, and a domain whose supply cannot cover
// its quota sheds the shortfall onto siblings with spare supply. It
// fails when total supply across all domains is below size.
func assignQuotas(tree *domaintree.Tree, scope clusterview.Scope, size int, rp *clusterview.ReplicationProperty) ([]domainQuota, bool) {
	domains := tree.Domains(scope)
	if len(domains) == 0 {
		return nil, false
	}
	if rp != nil && len(domains) < rp.Count(scope) {
		return nil, false
	}

	supply := make([]int, len(domains))
	totalSupply := 0
	var totalWeight int64
	for i, d := range domains {
		supply[i] = len(tree.Shards(d.Key))
		totalSupply += supply[i]
		totalWeight += d.Weight
	}
	if totalSupply < size {
		return nil, false
	}

	floorQuota := 0
	if rp != nil {
		floorQuota = ceilDiv(rp.Count(scope), len(domains))
	}
	if floorQuota < 1 {
		floorQuota = 1
	}

	type slot struct {
		idx       int
		quota     int
		remainder float64
	}
	slots := make([]slot, len(domains))
	assigned := 0
	for i, d := range domains {
		exact := float64(size) * float64(d.Weight) / float64(totalWeight)
		q := int(exact)
		if q < floorQuota && supply[i] > 0 {
			q = floorQuota
		}
		if q > supply[i] {
			q = supply[i]
		}
		slots[i] = slot{idx: i, quota: q, remainder: exact - float64(int(exact))}
		assigned += q
	}

	// Largest-remainder top-up, then spill any remaining shortfall onto
	// whichever domains still have supply, in the same remainder order.
	order := make([]int, len(slots))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return slots[order[a]].remainder > slots[order[b]].remainder })
	for assigned < size {
		progressed := false
		for _, i := range order {
			if assigned >= size {
				break
			}
			if slots[i].quota < supply[i] {
				slots[i].quota++
				assigned++
				progressed = true
			}
		}
		if !progressed {
			return nil, false
		}
	}
	for assigned > size {
		// Over-assignment can only come from the floor quota; trim from
		// the smallest-remainder domains while respecting the floor.
		trimmed := false
		for i := len(order) - 1; i >= 0 && assigned > size; i-- {
			s := &slots[order[i]]
			if s.quota > floorQuota {
				s.quota--
				assigned--
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	out := make([]domainQuota, 0, len(slots))
	for _, s := range slots {
		if s.quota > 0 {
			out = append(out, domainQuota{domain: domains[s.idx].Key, quota: s.quota})
		}
	}
	return out, true
}

// nodeDomainsUnder gathers the ScopeNode domains beneath a coarser
// domain, so the per-domain draw can weight by node.
func nodeDomainsUnder(tree *domaintree.Tree, key domaintree.DomainKey) []*domaintree.Domain {
	if key.Scope == clusterview.ScopeNode {
		if d, ok := tree.Domain(key); ok {
			return []*domaintree.Domain{d}
		}
		return nil
	}
	var out []*domaintree.Domain
	for _, c := range tree.Children(key) {
		out = append(out, nodeDomainsUnder(tree, c.Key)...)
	}
	return out
}

// drawFromShards weight-samples count shards without replacement from
// the given node domains, using a PRNG seeded deterministically so the
// same inputs always produce the same draw.
func drawFromShards(nodeDomains []*domaintree.Domain, count int, seed int64) []clusterview.ShardID {
	type candidate struct {
		id     clusterview.ShardID
		weight int64
	}
	var pool []candidate
	for _, nd := range nodeDomains {
		perShard := nd.Weight / int64(len(nd.Shards))
		if perShard < 1 {
			perShard = 1
		}
		for _, id := range nd.Shards {
			pool = append(pool, candidate{id: id, weight: perShard})
		}
	}
	// Sort the pool so the draw order does not depend on map or tree
	// iteration incidentals.
	sort.Slice(pool, func(i, j int) bool { return pool[i].id.Less(pool[j].id) })

	if count > len(pool) {
		count = len(pool)
	}
	rng := rand.New(rand.NewSource(seed))
	out := make([]clusterview.ShardID, 0, count)
	total := int64(0)
	for _, c := range pool {
		total += c.weight
	}
	for len(out) < count {
		r := rng.Int63n(total)
		for i := range pool {
			if pool[i].weight == 0 {
				continue
			}
			r -= pool[i].weight
			if r < 0 {
				out = append(out, pool[i].id)
				total -= pool[i].weight
				pool[i].weight = 0
				break
			}
		}
	}
	return out
}

// seedFor derives a deterministic PRNG seed from a log's identity, the
// domain being drawn from, and a fixed salt, so draws in sibling
// domains are independent but reproducible.
func seedFor(logID clusterview.LogID, domainPath, salt string) int64 {
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(uint64(logID) >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(domainPath))
	h.Write([]byte(salt))
	return int64(h.Sum64())
}
