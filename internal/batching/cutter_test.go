package batching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func mkEntry(id string, items int, enqueued time.Time) *entry {
	rc := &RequestContext{RequestID: id, BatchSize: items}
	return &entry{req: &Request{ID: id, BatchSize: items}, rc: rc, sink: newSink(), enqueued: enqueued}
}

func ids(entries []*entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.rc.RequestID
	}
	return out
}

func TestPackCutsAtCapacity(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pending := []*entry{
		mkEntry("r1", 1, now.Add(-10*time.Millisecond)),
		mkEntry("r2", 1, now.Add(-10*time.Millisecond)),
		mkEntry("r3", 1, now.Add(-5*time.Millisecond)),
	}
	res := pack(pending, now, 3, 500*time.Millisecond, 10*time.Millisecond)

	require.Len(t, res.ready, 1)
	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(res.ready[0].entries))
	assert.Equal(t, 3, res.ready[0].items)
	assert.Empty(t, res.carry)
	assert.Empty(t, res.expired)
}

func TestPackCarriesYoungPartialDraft(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pending := []*entry{mkEntry("r4", 1, now.Add(-499*time.Millisecond))}
	res := pack(pending, now, 3, 500*time.Millisecond, 10*time.Millisecond)

	assert.Empty(t, res.ready)
	assert.Equal(t, []string{"r4"}, ids(res.carry))
}

func TestPackForcesCutOfAgedPartialDraft(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pending := []*entry{
		mkEntry("old", 1, now.Add(-500*time.Millisecond)),
		mkEntry("new", 1, now),
	}
	res := pack(pending, now, 3, 500*time.Millisecond, 10*time.Millisecond)

	require.Len(t, res.ready, 1)
	assert.Equal(t, []string{"old", "new"}, ids(res.ready[0].entries))
	assert.Empty(t, res.carry)
}

func TestPackExpiresLaggedEntries(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pending := []*entry{
		mkEntry("stale", 1, now.Add(-time.Second)),
		mkEntry("fresh", 1, now),
	}
	res := pack(pending, now, 3, 500*time.Millisecond, 10*time.Millisecond)

	assert.Equal(t, []string{"stale"}, ids(res.expired))
	assert.Empty(t, res.ready)
	assert.Equal(t, []string{"fresh"}, ids(res.carry))
}

func TestPackStartsNewDraftWhenNextEntryOverflows(t *testing.T) {
	t.Parallel()

	now := time.Now()
	pending := []*entry{
		mkEntry("a", 2, now),
		mkEntry("b", 2, now),
		mkEntry("c", 1, now),
	}
	res := pack(pending, now, 3, time.Second, 0)

	require.Len(t, res.ready, 1)
	assert.Equal(t, []string{"a"}, ids(res.ready[0].entries))
	assert.Equal(t, []string{"b", "c"}, ids(res.carry))
}

func TestPackProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		maxItems := rapid.IntRange(1, 16).Draw(t, "max")
		timeout := 100 * time.Millisecond
		grace := 10 * time.Millisecond
		now := time.Now()

		n := rapid.IntRange(0, 40).Draw(t, "n")
		pending := make([]*entry, n)
		age := time.Duration(rapid.IntRange(0, 150).Draw(t, "firstAge")) * time.Millisecond
		for i := range pending {
			items := rapid.IntRange(1, maxItems).Draw(t, "items")
			pending[i] = mkEntry(string(rune('a'+i%26))+string(rune('0'+i/26)), items, now.Add(-age))
			age -= time.Duration(rapid.IntRange(0, 10).Draw(t, "gap")) * time.Millisecond
			if age < 0 {
				age = 0
			}
		}

		res := pack(pending, now, maxItems, timeout, grace)

		var kept []*entry
		for _, e := range pending {
			if now.Sub(e.enqueued) < timeout+grace {
				kept = append(kept, e)
			}
		}
		var got []*entry
		for _, d := range res.ready {
			sum := 0
			for _, e := range d.entries {
				sum += e.items()
			}
			if sum != d.items || d.items > maxItems || len(d.entries) == 0 {
				t.Fatalf("bad draft: items=%d sum=%d max=%d", d.items, sum, maxItems)
			}
			got = append(got, d.entries...)
		}
		got = append(got, res.carry...)

		if len(got) != len(kept) {
			t.Fatalf("lost entries: got %d want %d", len(got), len(kept))
		}
		for i := range got {
			if got[i] != kept[i] {
				t.Fatalf("order changed at %d", i)
			}
		}
		if len(res.carry) > 0 && now.Sub(res.carry[0].enqueued) >= timeout {
			t.Fatalf("aged partial draft was carried")
		}
		if len(res.expired)+len(kept) != len(pending) {
			t.Fatalf("expired count mismatch")
		}
	})
}
