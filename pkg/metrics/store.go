// Package metrics implements the Metrics Store: a key to aggregate map whose
// aggregate types merge commutatively, so partial stores built by different
// workers combine to the same result in any order.
package metrics

import (
	"sort"
	"sync"

	lserrors "github.com/logflow/logstream/pkg/errors"
)

// Conflict records an operation applied to a key that already has a
// different type.
type Conflict struct {
	Key       string
	Existing  Op
	Attempted Op
}

// Store is a concurrent metric store. Workers each own a private Store and
// fold it into the shared one with Merge once per batch, so the shared lock is
// taken once per batch instead of once per update.
type Store struct {
	mu        sync.RWMutex
	aggs      map[string]Aggregate
	conflicts []Conflict
	seen      map[Conflict]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		aggs: make(map[string]Aggregate),
		seen: make(map[Conflict]struct{}),
	}
}

// Apply applies op with value to key. The first op applied to a key fixes
// its type; a different op later is reported as a CodeMetricConflict error,
// recorded in Conflicts, and not applied.
func (s *Store) Apply(key string, op Op, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg, ok := s.aggs[key]
	if ok {
		if agg.Op() != op {
			s.recordConflict(Conflict{Key: key, Existing: agg.Op(), Attempted: op})
			return lserrors.New(lserrors.CodeMetricConflict, "metric type conflict").
				WithContext("key", key).
				WithContext("existing", string(agg.Op())).
				WithContext("attempted", string(op))
		}
		return agg.observe(value)
	}

	agg, err := newAggregate(op)
	if err != nil {
		return err
	}
	if err := agg.observe(value); err != nil {
		return err
	}
	s.aggs[key] = agg
	return nil
}

// Count increments key by one.
func (s *Store) Count(key string) error { return s.Apply(key, OpCount, nil) }

// Sum adds v to key.
func (s *Store) Sum(key string, v interface{}) error { return s.Apply(key, OpSum, v) }

// Min keeps the smallest value seen for key.
func (s *Store) Min(key string, v interface{}) error { return s.Apply(key, OpMin, v) }

// Max keeps the largest value seen for key.
func (s *Store) Max(key string, v interface{}) error { return s.Apply(key, OpMax, v) }

// Avg adds v to key's running average.
func (s *Store) Avg(key string, v interface{}) error { return s.Apply(key, OpAvg, v) }

// Unique adds v to key's distinct set.
func (s *Store) Unique(key string, v interface{}) error { return s.Apply(key, OpUnique, v) }

// Bucket increments bucket b of key's histogram.
func (s *Store) Bucket(key string, b interface{}) error { return s.Apply(key, OpBucket, b) }

// Percentile adds v to key's quantile sketch.
func (s *Store) Percentile(key string, v interface{}) error {
	return s.Apply(key, OpPercentile, v)
}

// Get returns key's display value.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggs[key]
	if !ok {
		return nil, false
	}
	return agg.Value(), true
}

// Len returns the number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aggs)
}

// Merge folds other into s. Keys whose types disagree are recorded as
// conflicts and keep s's aggregate.
func (s *Store) Merge(other *Store) {
	if other == nil || other == s {
		return
	}
	snap := other.Snapshot()
	otherConflicts := other.Conflicts()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(snap)
	for _, c := range otherConflicts {
		s.recordConflict(c)
	}
}

// MergeSnapshot folds a snapshot into s.
func (s *Store) MergeSnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(snap)
}

func (s *Store) mergeLocked(snap Snapshot) {
	for _, key := range snap.Keys() {
		incoming := snap.aggs[key]
		existing, ok := s.aggs[key]
		if !ok {
			s.aggs[key] = incoming.clone()
			continue
		}
		if existing.Op() != incoming.Op() {
			s.recordConflict(Conflict{Key: key, Existing: existing.Op(), Attempted: incoming.Op()})
			continue
		}
		existing.merge(incoming)
	}
}

func (s *Store) recordConflict(c Conflict) {
	if _, dup := s.seen[c]; dup {
		return
	}
	s.seen[c] = struct{}{}
	s.conflicts = append(s.conflicts, c)
}

// Conflicts returns recorded type conflicts in the order first seen.
func (s *Store) Conflicts() []Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// Snapshot returns a point-in-time deep copy that stays valid while writers
// continue.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aggs := make(map[string]Aggregate, len(s.aggs))
	for k, a := range s.aggs {
		aggs[k] = a.clone()
	}
	return Snapshot{aggs: aggs}
}

// Reset drops every key and conflict.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggs = make(map[string]Aggregate)
	s.conflicts = nil
	s.seen = make(map[Conflict]struct{})
}

// Snapshot is an immutable copy of a Store.
type Snapshot struct {
	aggs map[string]Aggregate
}

// Len returns the number of keys.
func (s Snapshot) Len() int {
	return len(s.aggs)
}

// Keys returns keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.aggs))
	for k := range s.aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns key's display value.
func (s Snapshot) Get(key string) (interface{}, bool) {
	a, ok := s.aggs[key]
	if !ok {
		return nil, false
	}
	return a.Value(), true
}

// Op returns key's operation.
func (s Snapshot) Op(key string) (Op, bool) {
	a, ok := s.aggs[key]
	if !ok {
		return "", false
	}
	return a.Op(), true
}

// Members returns the distinct members of a unique aggregate.
func (s Snapshot) Members(key string) []string {
	if u, ok := s.aggs[key].(*uniqueAgg); ok {
		return u.Members()
	}
	return nil
}

// Values returns every key's display value.
func (s Snapshot) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(s.aggs))
	for k, a := range s.aggs {
		out[k] = a.Value()
	}
	return out
}

// Delta returns, per key, what changed between base and s. Keys that did not
// change are omitted.
func (s Snapshot) Delta(base Snapshot) map[string]interface{} {
	out := make(map[string]interface{})
	for k, a := range s.aggs {
		var prev Aggregate
		if b, ok := base.aggs[k]; ok && b.Op() == a.Op() {
			prev = b
		}
		if d, changed := a.delta(prev); changed {
			out[k] = d
		}
	}
	return out
}
