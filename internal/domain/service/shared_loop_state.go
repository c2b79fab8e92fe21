package service

import "sync"

// SharedLoopState is C6: a process-wide fingerprint->count map shared by
// every BudgetTracker in the process, used to detect doom loops that span
// multiple concurrent workers (e.g. a parent agent and several subagents
// hammering the same file). Grounded on the same ring-buffer counting idea
// as the local detector, lifted to package scope and mutex-guarded the way
// domain/tool.InMemoryRegistry guards its map.
type SharedLoopState struct {
	mu        sync.Mutex
	counts    map[string]int
	threshold int
}

// NewSharedLoopState creates shared state with the given cross-worker
// threshold (default 5 per spec §4.6).
func NewSharedLoopState(threshold int) *SharedLoopState {
	if threshold <= 0 {
		threshold = 5
	}
	return &SharedLoopState{
		counts:    make(map[string]int),
		threshold: threshold,
	}
}

// Increment records one more occurrence of fingerprint across all workers.
func (s *SharedLoopState) Increment(fingerprint string) int {
	if fingerprint == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[fingerprint]++
	return s.counts[fingerprint]
}

// ExceedsThreshold reports whether fingerprint's global count has crossed
// the cross-worker threshold.
func (s *SharedLoopState) ExceedsThreshold(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[fingerprint] > s.threshold
}

// Count returns the current global count for fingerprint (diagnostic use).
func (s *SharedLoopState) Count(fingerprint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[fingerprint]
}

// Reset clears all counts. Intended for test isolation and for fresh
// top-level runs that should not inherit stale global counters.
func (s *SharedLoopState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]int)
}
