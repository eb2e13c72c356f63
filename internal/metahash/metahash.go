// Package metahash computes the storage-nodes configuration hash
// stored in each log's epoch metadata to detect config drift (spec
// §6 "Metadata log hash"): a 64-bit non-cryptographic mixer over the
// sorted list of (node_index, generation, storage_state, weight,
// location_path) tuples, encoded as concatenated little-endian fields.
package metahash

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// Compute hashes the sorted node tuples of a configuration. Two calls
// with an equivalent (same node_index set and attributes) configuration
// — regardless of build order — produce the same hash.
func Compute(nodes []clusterview.Node) uint64 {
	sorted := make([]clusterview.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	h := xxhash.New()
	buf := make([]byte, 8)
	for _, n := range sorted {
		binary.LittleEndian.PutUint16(buf[:2], uint16(n.Index))
		h.Write(buf[:2])
		binary.LittleEndian.PutUint64(buf, n.Generation)
		h.Write(buf)
		binary.LittleEndian.PutUint32(buf[:4], uint32(n.StorageState))
		h.Write(buf[:4])
		binary.LittleEndian.PutUint64(buf, uint64(n.StorageWeight))
		h.Write(buf)
		for _, label := range n.Location {
			h.Write([]byte(label))
			h.Write([]byte{0})
		}
	}
	return h.Sum64()
}
