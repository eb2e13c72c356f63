package selector

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/seaweedfs/placement/internal/clusterview"
	"github.com/seaweedfs/placement/internal/domaintree"
)

// ConsistentHash places shards on a virtual hash ring: each shard owns
// a number of virtual points proportional to its node's StorageWeight,
// and a log's replicas land at the ring positions found by walking
// clockwise from hash(logID, replica). Reconfiguration moves only the
// points belonging to shards added or removed, the defining property
// that distinguishes this policy from WeightAware's full per-call
// redraw.
type ConsistentHash struct {
	// PointsPerWeightUnit controls ring resolution: higher values
	// smooth the distribution at the cost of a larger ring to walk.
	PointsPerWeightUnit int
}

func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{PointsPerWeightUnit: 4}
}

func (c *ConsistentHash) GetStorageSetSize(attrs clusterview.LogAttributes, view *clusterview.View, excluded map[clusterview.NodeIndex]struct{}) int {
	return storageSetSize(attrs, view, excluded)
}

type ringPoint struct {
	hash uint64
	id   clusterview.ShardID
}

func (c *ConsistentHash) buildRing(tree *domaintree.Tree) []ringPoint {
	perUnit := c.PointsPerWeightUnit
	if perUnit <= 0 {
		perUnit = 4
	}
	var ring []ringPoint
	for _, nd := range tree.Domains(clusterview.ScopeNode) {
		for _, id := range nd.Shards {
			weight := nd.Weight / int64(len(nd.Shards))
			if weight <= 0 {
				weight = 1
			}
			points := int(weight) * perUnit
			if points < 1 {
				points = 1
			}
			if points > 4096 {
				points = 4096
			}
			for p := 0; p < points; p++ {
				ring = append(ring, ringPoint{hash: pointHash(id, p), id: id})
			}
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	return ring
}

func pointHash(id clusterview.ShardID, point int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:2], uint16(id.NodeIndex))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(id.ShardIndex))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(point))
	return xxhash.Sum64(buf[:])
}

func replicaHash(logID clusterview.LogID, replica int) uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(logID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(replica))
	return xxhash.Sum64(buf[:])
}

// walk finds the first ring point at or after h, wrapping around,
// skipping points whose node is already represented in the nodeset and
// points whose domain has hit its cap.
func walk(ring []ringPoint, h uint64, skip func(clusterview.ShardID) bool) (clusterview.ShardID, bool) {
	if len(ring) == 0 {
		return clusterview.ShardID{}, false
	}
	start := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	for i := 0; i < len(ring); i++ {
		p := ring[(start+i)%len(ring)]
		if skip(p.id) {
			continue
		}
		return p.id, true
	}
	return clusterview.ShardID{}, false
}

func (c *ConsistentHash) GetStorageSet(ctx context.Context, logID clusterview.LogID, attrs clusterview.LogAttributes, view *clusterview.View, existing []clusterview.ShardID, excluded map[clusterview.NodeIndex]struct{}) (Result, error) {
	tree := domaintree.Build(view, excluded)
	size := sizeForTree(attrs, tree)
	if size <= 0 {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}
	if tree.TotalEligibleShards() < size {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}
	ring := c.buildRing(tree)

	// Cap picks per domain at the finest required scope so the walk
	// cannot exhaust the nodeset inside too few failure domains to meet
	// the replication property.
	scope := finestRequiredScope(attrs.Replication)
	domainCap := size
	if attrs.Replication != nil && scope != clusterview.ScopeNode {
		if r := attrs.Replication.Count(scope); r > 1 {
			domainCap = size - r + 1
		}
	}
	domainOf := func(id clusterview.ShardID) string {
		if scope == clusterview.ScopeNode {
			return ""
		}
		return view.Node(id.NodeIndex).Location.Prefix(scope).Key()
	}

	chosenNodes := map[clusterview.NodeIndex]struct{}{}
	domainCounts := map[string]int{}
	skip := func(id clusterview.ShardID) bool {
		if _, used := chosenNodes[id.NodeIndex]; used {
			return true
		}
		if scope != clusterview.ScopeNode && domainCounts[domainOf(id)] >= domainCap {
			return true
		}
		return false
	}

	var nodeset []clusterview.ShardID
	for replica := 0; len(nodeset) < size && replica < size+len(ring); replica++ {
		id, ok := walk(ring, replicaHash(logID, replica), skip)
		if !ok {
			break
		}
		chosenNodes[id.NodeIndex] = struct{}{}
		domainCounts[domainOf(id)]++
		nodeset = append(nodeset, id)
	}

	if len(nodeset) < size || (attrs.Replication != nil && !attrs.Replication.Satisfies(view, nodeset)) {
		return Result{Decision: Failed}, ErrInsufficientCapacity
	}
	sort.Slice(nodeset, func(i, j int) bool { return nodeset[i].Less(nodeset[j]) })
	return decide(nodeset, existing), nil
}
