package store

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/ctxd/models"
	"github.com/helioslabs/ctxd/internal/tokens"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// payloadOfTokens builds a string payload that costs exactly n tokens
// with a bytes-per-token ratio of 1 (the JSON quotes included).
func payloadOfTokens(n int) string {
	return strings.Repeat("a", n-2)
}

func newTestStore(maxTokens int) *Store {
	return New(testLogger(), tokens.NewSizeEstimator(1), maxTokens)
}

func TestStore_UpdateInPlace(t *testing.T) {
	s := newTestStore(1000)

	_, err := s.Update("a", "first", "agent-1", 5)
	require.NoError(t, err)
	meta, err := s.Update("a", "second", "agent-1", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.EntryCount)

	snap := s.Get()
	require.Len(t, snap.Entries, 1)
	assert.JSONEq(t, `"second"`, string(snap.Entries["a"].Payload))
	assert.Equal(t, snap.Metadata.TotalTokens, snap.Entries["a"].TokenCount)
}

func TestStore_PriorityWinsUnderPressure(t *testing.T) {
	s := newTestStore(100)

	meta, err := s.Update("a", payloadOfTokens(60), "agent-1", 5)
	require.NoError(t, err)
	assert.Equal(t, 60, meta.TotalTokens)

	meta, err = s.Update("b", payloadOfTokens(60), "agent-2", 1)
	require.NoError(t, err)

	// Total would be 120; the lower priority entry is dropped even
	// though it is the newer write.
	assert.Equal(t, 60, meta.TotalTokens)
	assert.Equal(t, 1, meta.EntryCount)

	snap := s.Get()
	_, hasA := snap.Entries["a"]
	_, hasB := snap.Entries["b"]
	assert.True(t, hasA, "higher priority entry must survive")
	assert.False(t, hasB, "lower priority entry must be evicted")
}

func TestStore_RecencyBreaksPriorityTies(t *testing.T) {
	s := newTestStore(10_000)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	// A(p=5, t=1), B(p=5, t=2), C(p=3, t=3): under pressure C drops
	// first, then B, then A.
	_, err := s.Update("a", payloadOfTokens(40), "x", 5)
	require.NoError(t, err)
	_, err = s.Update("b", payloadOfTokens(40), "x", 5)
	require.NoError(t, err)
	_, err = s.Update("c", payloadOfTokens(40), "x", 3)
	require.NoError(t, err)

	s.mu.Lock()
	s.maxTokens = 80
	s.evictLocked()
	s.mu.Unlock()
	snap := s.Get()
	assert.ElementsMatch(t, []string{"a", "b"}, keysOf(snap.Entries), "C drops before B")

	s.mu.Lock()
	s.maxTokens = 40
	s.evictLocked()
	s.mu.Unlock()
	snap = s.Get()
	assert.ElementsMatch(t, []string{"b"}, keysOf(snap.Entries), "B outlives A on recency")
}

func TestStore_OversizedEntrySurvivesAlone(t *testing.T) {
	s := newTestStore(100)

	_, err := s.Update("small", payloadOfTokens(50), "x", 1)
	require.NoError(t, err)

	// A single write larger than the whole budget is never rejected.
	meta, err := s.Update("huge", payloadOfTokens(500), "x", 9)
	require.NoError(t, err)

	assert.Equal(t, 1, meta.EntryCount)
	assert.Equal(t, 500, meta.TotalTokens, "budget is a soft post-condition here")

	snap := s.Get()
	_, ok := snap.Entries["huge"]
	assert.True(t, ok)
}

func TestStore_TokenInvariantOverRandomishSequences(t *testing.T) {
	s := newTestStore(200)

	for i := 0; i < 200; i++ {
		size := 10 + (i*37)%120
		priority := 1 + i%10
		key := fmt.Sprintf("k-%d", i%17)
		_, err := s.Update(key, payloadOfTokens(size), "gen", priority)
		require.NoError(t, err)

		meta := s.Stats()
		if meta.TotalTokens > 200 {
			assert.Equal(t, 1, meta.EntryCount,
				"over-budget state is only legal for a single oversized entry")
		}
	}
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	s := newTestStore(1000)
	_, err := s.Update("a", "x", "src", 1)
	require.NoError(t, err)
	_, err = s.Update("b", "y", "src", 1)
	require.NoError(t, err)

	meta := s.Clear(nil)
	assert.Equal(t, 0, meta.EntryCount)
	assert.Equal(t, 0, meta.TotalTokens)

	meta = s.Clear(nil)
	assert.Equal(t, 0, meta.EntryCount)
	assert.Equal(t, 0, meta.TotalTokens)
}

func TestStore_ClearSelectedKeys(t *testing.T) {
	s := newTestStore(1000)
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Update(k, payloadOfTokens(10), "src", 1)
		require.NoError(t, err)
	}

	meta := s.Clear([]string{"a", "c", "missing"})
	assert.Equal(t, 1, meta.EntryCount)
	assert.Equal(t, 10, meta.TotalTokens)

	snap := s.Get()
	assert.ElementsMatch(t, []string{"b"}, keysOf(snap.Entries))
}

func TestStore_Query(t *testing.T) {
	s := newTestStore(10_000)
	_, err := s.Update("a", "1", "agent-1", 2)
	require.NoError(t, err)
	_, err = s.Update("b", "2", "agent-2", 7)
	require.NoError(t, err)
	_, err = s.Update("c", "3", "agent-1", 9)
	require.NoError(t, err)

	src := "agent-1"
	minP := 5

	testCases := []struct {
		name     string
		filter   models.QueryFilter
		expected []string
	}{
		{name: "no predicates returns everything", filter: models.QueryFilter{}, expected: []string{"a", "b", "c"}},
		{name: "source only", filter: models.QueryFilter{Source: &src}, expected: []string{"a", "c"}},
		{name: "min priority only", filter: models.QueryFilter{MinPriority: &minP}, expected: []string{"b", "c"}},
		{name: "conjunction", filter: models.QueryFilter{Source: &src, MinPriority: &minP}, expected: []string{"c"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.Query(tc.filter)
			keys := make([]string, 0, len(got))
			for _, e := range got {
				keys = append(keys, e.Key)
			}
			assert.ElementsMatch(t, tc.expected, keys)
		})
	}
}

func TestStore_QueryOrdering(t *testing.T) {
	s := newTestStore(10_000)
	_, err := s.Update("low", "1", "src", 2)
	require.NoError(t, err)
	_, err = s.Update("high", "2", "src", 9)
	require.NoError(t, err)
	_, err = s.Update("mid", "3", "src", 5)
	require.NoError(t, err)

	got := s.Query(models.QueryFilter{})
	require.Len(t, got, 3)
	assert.Equal(t, "high", got[0].Key)
	assert.Equal(t, "mid", got[1].Key)
	assert.Equal(t, "low", got[2].Key)
}

func TestStore_SetPriority(t *testing.T) {
	s := newTestStore(1000)
	_, err := s.Update("a", "x", "src", 2)
	require.NoError(t, err)

	_, err = s.SetPriority("a", 50)
	require.NoError(t, err)
	snap := s.Get()
	assert.Equal(t, models.PriorityMax, snap.Entries["a"].Priority, "priority clamps to the ceiling")

	_, err = s.SetPriority("missing", 3)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_InvalidPayloadRejected(t *testing.T) {
	s := newTestStore(1000)
	_, err := s.Update("bad", func() {}, "src", 1)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	meta := s.Stats()
	assert.Equal(t, 0, meta.EntryCount, "rejected write must not mutate the store")
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := newTestStore(1000)
	_, err := s.Update("a", map[string]any{"v": 1}, "src", 1)
	require.NoError(t, err)

	snap := s.Get()
	entry := snap.Entries["a"]
	for i := range entry.Payload {
		entry.Payload[i] = 'X'
	}

	fresh := s.Get()
	assert.JSONEq(t, `{"v":1}`, string(fresh.Entries["a"].Payload),
		"mutating a snapshot must not touch the store's entry")
}

func TestStore_NotifierFiresPerMutation(t *testing.T) {
	s := newTestStore(1000)
	var mu sync.Mutex
	fired := 0
	s.OnMutation(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	_, err := s.Update("a", "x", "src", 1)
	require.NoError(t, err)
	_, err = s.SetPriority("a", 3)
	require.NoError(t, err)
	s.Clear(nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, fired)
}

func TestStore_ConcurrentWritersHoldInvariant(t *testing.T) {
	s := newTestStore(500)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("w%d-k%d", w, i%5)
				_, err := s.Update(key, payloadOfTokens(20+(i%40)), fmt.Sprintf("writer-%d", w), 1+i%10)
				assert.NoError(t, err)
				s.Get() // concurrent readers must never see torn state
			}
		}(w)
	}
	wg.Wait()

	meta := s.Stats()
	assert.LessOrEqual(t, meta.TotalTokens, 500)

	// Recompute the total from the snapshot; it must agree with the
	// store's running counter.
	snap := s.Get()
	sum := 0
	for _, e := range snap.Entries {
		sum += e.TokenCount
	}
	assert.Equal(t, meta.TotalTokens, sum)
}

func TestStore_QueryConcurrentWithPriorityChanges(t *testing.T) {
	s := newTestStore(10_000)
	for i := 0; i < 20; i++ {
		_, err := s.Update(fmt.Sprintf("k%d", i), payloadOfTokens(10), "src", 1+i%10)
		require.NoError(t, err)
	}

	// Readers sort by priority while a writer rewrites priorities in
	// place; the ordering pass must never observe a half-written entry.
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			minP := 3
			for i := 0; i < 200; i++ {
				got := s.Query(models.QueryFilter{MinPriority: &minP})
				for _, e := range got {
					assert.GreaterOrEqual(t, e.Priority, minP)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := s.SetPriority(fmt.Sprintf("k%d", i%20), 1+i%10)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
}

func keysOf(m map[string]models.Entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
