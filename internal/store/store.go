package store

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/tokens"
)

/*
	The authoritative entry map and its token budget. All mutating
	operations run under the writer lock; readers take the read lock
	and hand back deep copies, never references into the map.

	Mutations never fail for capacity. If a write pushes the total
	over the budget the eviction pass drops the lowest-priority,
	oldest entries until the remainder fits. The one exception is a
	single entry that alone exceeds the budget: it is kept as the
	sole survivor rather than rejected, so the budget is a soft
	post-condition, not an admission gate.
*/

// Notifier is signalled after every committed mutation. It must not
// block; the broadcast side treats it as a level-triggered dirty flag
// and reads a fresh snapshot when it gets around to the cycle.
type Notifier func()

type record struct {
	entry models.Entry
	seq   uint64 // write order, breaks timestamp ties deterministically
}

type Store struct {
	logger    *slog.Logger
	estimator tokens.Estimator
	maxTokens int

	mu      sync.RWMutex
	entries map[string]*record
	total   int
	seq     uint64

	notify Notifier
	now    func() time.Time
}

func New(logger *slog.Logger, estimator tokens.Estimator, maxTokens int) *Store {
	return &Store{
		logger:    logger,
		estimator: estimator,
		maxTokens: maxTokens,
		entries:   make(map[string]*record),
		now:       time.Now,
	}
}

// OnMutation registers the mutation notifier. Must be called before
// the store is shared; there is exactly one broadcast engine.
func (s *Store) OnMutation(n Notifier) {
	s.notify = n
}

func (s *Store) notifyMutation() {
	if s.notify != nil {
		s.notify()
	}
}

// Update writes an entry, replacing any previous entry for the key.
// The payload is re-serialized to canonical JSON so equal payloads
// always cost the same number of tokens. The only failure mode is a
// payload that cannot be serialized.
func (s *Store) Update(key string, payload any, source string, priority int) (models.SnapshotMetadata, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return models.SnapshotMetadata{}, ErrInvalidPayload
	}

	cost := s.estimator.Estimate(canonical)
	entry := models.Entry{
		Key:        key,
		Payload:    canonical,
		TokenCount: cost,
		Source:     source,
		Priority:   models.ClampPriority(priority),
		Timestamp:  s.now(),
	}

	s.mu.Lock()
	if prev, ok := s.entries[key]; ok {
		s.total -= prev.entry.TokenCount
	}
	s.seq++
	s.entries[key] = &record{entry: entry, seq: s.seq}
	s.total += cost
	evicted := s.evictLocked()
	meta := s.metadataLocked()
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Info("evicted entries to satisfy token budget",
			"evicted", evicted,
			"total_tokens", meta.TotalTokens,
			"max_tokens", s.maxTokens,
		)
	}
	s.logger.Debug("context updated",
		"key", key,
		"source", source,
		"tokens", cost,
		"total_tokens", meta.TotalTokens,
		"entry_count", meta.EntryCount,
	)

	s.notifyMutation()
	return meta, nil
}

// Get returns a deep-copied snapshot of every entry plus metadata.
func (s *Store) Get() models.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.Entry, len(s.entries))
	for k, rec := range s.entries {
		out[k] = rec.entry.Clone()
	}
	return models.Snapshot{Entries: out, Metadata: s.metadataLocked()}
}

// Stats returns current totals without copying entries.
func (s *Store) Stats() models.SnapshotMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataLocked()
}

// Query returns entries matching every provided predicate, ordered by
// priority descending then recency descending.
func (s *Store) Query(filter models.QueryFilter) []models.Entry {
	s.mu.RLock()
	// Filter, sort, and copy all happen under the read lock: a record's
	// entry may be rewritten in place by SetPriority, so no *record may
	// escape the lock.
	matched := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		if filter.Source != nil && rec.entry.Source != *filter.Source {
			continue
		}
		if filter.MinPriority != nil && rec.entry.Priority < *filter.MinPriority {
			continue
		}
		matched = append(matched, rec)
	}
	sortRecords(matched)
	out := make([]models.Entry, 0, len(matched))
	for _, rec := range matched {
		out = append(out, rec.entry.Clone())
	}
	s.mu.RUnlock()
	return out
}

// Clear removes the given keys, or every entry when no keys are given.
// Missing keys are ignored; clearing an empty store is a no-op that
// still reports success.
func (s *Store) Clear(keys []string) models.SnapshotMetadata {
	s.mu.Lock()
	if len(keys) == 0 {
		s.entries = make(map[string]*record)
		s.total = 0
	} else {
		for _, key := range keys {
			if rec, ok := s.entries[key]; ok {
				s.total -= rec.entry.TokenCount
				delete(s.entries, key)
			}
		}
	}
	meta := s.metadataLocked()
	s.mu.Unlock()

	s.logger.Debug("context cleared", "keys", len(keys), "entry_count", meta.EntryCount)
	s.notifyMutation()
	return meta
}

// SetPriority updates an existing entry's priority in place. The entry
// keeps its payload and timestamp; only the retention weight changes.
func (s *Store) SetPriority(key string, priority int) (models.SnapshotMetadata, error) {
	s.mu.Lock()
	rec, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return models.SnapshotMetadata{}, ErrKeyNotFound
	}
	rec.entry.Priority = models.ClampPriority(priority)
	s.evictLocked()
	meta := s.metadataLocked()
	s.mu.Unlock()

	s.logger.Debug("priority updated", "key", key, "priority", models.ClampPriority(priority))
	s.notifyMutation()
	return meta, nil
}

// MaxTokens returns the configured budget ceiling.
func (s *Store) MaxTokens() int {
	return s.maxTokens
}

func (s *Store) metadataLocked() models.SnapshotMetadata {
	return models.SnapshotMetadata{
		TotalTokens: s.total,
		MaxTokens:   s.maxTokens,
		EntryCount:  len(s.entries),
	}
}

// evictLocked drops entries until the kept prefix of the composite
// ordering fits the budget. Returns the number of dropped entries.
// Caller holds the write lock.
func (s *Store) evictLocked() int {
	if s.total <= s.maxTokens {
		return 0
	}

	ranked := make([]*record, 0, len(s.entries))
	for _, rec := range s.entries {
		ranked = append(ranked, rec)
	}
	sortRecords(ranked)

	kept := make(map[string]*record, len(ranked))
	keptTotal := 0
	evicted := 0
	for i, rec := range ranked {
		// The top-ranked entry always survives, even when it alone
		// exceeds the budget.
		if i > 0 && keptTotal+rec.entry.TokenCount > s.maxTokens {
			evicted = len(ranked) - i
			break
		}
		kept[rec.entry.Key] = rec
		keptTotal += rec.entry.TokenCount
	}

	s.entries = kept
	s.total = keptTotal
	return evicted
}

// sortRecords orders by priority descending, then timestamp descending,
// then write sequence descending for same-instant writes.
func sortRecords(recs []*record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.entry.Priority != b.entry.Priority {
			return a.entry.Priority > b.entry.Priority
		}
		if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
			return a.entry.Timestamp.After(b.entry.Timestamp)
		}
		return a.seq > b.seq
	})
}
