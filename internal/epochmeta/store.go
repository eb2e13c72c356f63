// Package epochmeta holds the latest known epoch metadata for every
// log, the bookkeeping the placement layer needs to tell a fresh
// nodeset computation apart from a no-op one (see
// clusterview.EpochMetadata.MatchesConfig).
package epochmeta

import (
	"sync"

	"github.com/seaweedfs/placement/internal/clusterview"
)

// Store is an in-memory, latest-wins keeper of each log's epoch
// metadata. The supervisor consults it before publishing, to decide
// whether an append must be conditional on the configuration hash.
type Store struct {
	mu   sync.RWMutex
	byID map[clusterview.LogID]*clusterview.EpochMetadata
}

func NewStore() *Store {
	return &Store{byID: make(map[clusterview.LogID]*clusterview.EpochMetadata)}
}

// Put records (or replaces) the epoch metadata for a log. A lower
// CurrentEpoch than what is already stored is rejected — epoch numbers
// only move forward.
func (s *Store) Put(logID clusterview.LogID, meta *clusterview.EpochMetadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[logID]; ok && existing.CurrentEpoch > meta.CurrentEpoch {
		return false
	}
	s.byID[logID] = meta
	return true
}

// Get returns the stored epoch metadata for a log, or nil if unknown.
func (s *Store) Get(logID clusterview.LogID) *clusterview.EpochMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[logID]
}

// MatchesConfig reports whether a log's stored epoch metadata is still
// valid against a configuration with the given hash. An unknown log
// always reports false — there is nothing to match.
func (s *Store) MatchesConfig(logID clusterview.LogID, nodesConfigHash uint64) bool {
	meta := s.Get(logID)
	return meta.MatchesConfig(nodesConfigHash)
}

// Delete drops a log's epoch metadata, e.g. when the log itself is
// deleted.
func (s *Store) Delete(logID clusterview.LogID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, logID)
}
