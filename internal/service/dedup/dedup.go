// Package dedup tracks which relay events and which derived segments have
// already been ingested.
//
// Both sets grow without bound until Reset. This is a known tradeoff: the
// relay only ever returns the most recent events, so growth is proportional
// to the number of deliveries observed over the process lifetime.
package dedup

import (
	"sort"
	"sync"
)

// Snapshot is the persistable form of the store. Order is irrelevant.
type Snapshot struct {
	EventIDs    []string `json:"eventIds"`
	SegmentKeys []string `json:"segmentKeys"`
}

// Store holds the seen event ids and seen segment keys.
// Thread-safe for concurrent access.
type Store struct {
	mu       sync.RWMutex
	events   map[string]struct{}
	segments map[string]struct{}
}

// New creates an empty store.
func New() *Store {
	return &Store{
		events:   make(map[string]struct{}),
		segments: make(map[string]struct{}),
	}
}

// HasEvent reports whether the event id was already ingested.
func (s *Store) HasEvent(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok
}

// MarkEvent records the event id as ingested.
func (s *Store) MarkEvent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = struct{}{}
}

// HasSegment reports whether the segment key was already appended.
func (s *Store) HasSegment(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.segments[key]
	return ok
}

// MarkSegment records the segment key as appended.
func (s *Store) MarkSegment(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[key] = struct{}{}
}

// Len returns the sizes of both sets.
func (s *Store) Len() (events, segments int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), len(s.segments)
}

// Reset clears both sets.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]struct{})
	s.segments = make(map[string]struct{})
}

// Snapshot returns both sets as sorted slices.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		EventIDs:    keys(s.events),
		SegmentKeys: keys(s.segments),
	}
}

// Restore replaces the store contents with the snapshot.
func (s *Store) Restore(snap Snapshot) {
	events := make(map[string]struct{}, len(snap.EventIDs))
	for _, id := range snap.EventIDs {
		events[id] = struct{}{}
	}
	segments := make(map[string]struct{}, len(snap.SegmentKeys))
	for _, k := range snap.SegmentKeys {
		segments[k] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
	s.segments = segments
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
