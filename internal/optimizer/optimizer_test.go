package optimizer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/pattern"
)

func key(n int) Key {
	return Fingerprint(event.Text(fmt.Sprintf("event %d", n)))
}

func TestCacheEvictsExactlyOne(t *testing.T) {
	const n = 4
	c := NewCache(n, true)
	for i := 0; i < n; i++ {
		c.Put(key(i), Result{PatternID: fmt.Sprint(i)})
	}
	// Touch 0 so 1 becomes least recently used.
	_, ok := c.Get(key(0))
	require.True(t, ok)

	c.Put(key(n), Result{PatternID: "new"})

	assert.Equal(t, n, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.False(t, c.Contains(key(1)), "LRU key should be evicted")
	for _, i := range []int{0, 2, 3, n} {
		assert.True(t, c.Contains(key(i)), "key %d should remain", i)
	}
}

func TestCacheUpdateDoesNotEvict(t *testing.T) {
	c := NewCache(2, true)
	c.Put(key(0), Result{})
	c.Put(key(1), Result{})
	c.Put(key(0), Result{PatternID: "x"})
	assert.Equal(t, 2, c.Len())
	assert.Zero(t, c.Stats().Evictions)
	r, ok := c.Get(key(0))
	require.True(t, ok)
	assert.Equal(t, "x", r.PatternID)
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(10, false)
	c.Put(key(0), Result{PatternID: "a"})
	_, ok := c.Get(key(0))
	assert.False(t, ok)
	assert.Zero(t, c.Len())
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCacheStats(t *testing.T) {
	c := NewCache(10, true)
	c.Put(key(0), Result{})
	c.Get(key(0))
	c.Get(key(1))
	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
}

func TestFingerprintIgnoresToolOrderAndID(t *testing.T) {
	a := event.New(event.KindToolCall, "x", "Read", "bash")
	b := event.New(event.KindToolCall, "x", "BASH", "read")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(event.New(event.KindToolCall, "y", "Read", "bash")))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(event.New(event.KindAssistant, "x", "Read", "bash")))
}

func TestCandidatesByTool(t *testing.T) {
	o := Compile(pattern.Default(), DefaultOptions())
	ids := patternIDs(o.Candidates([]string{"readFile"}))
	assert.Contains(t, ids, "file_operation")
	assert.NotContains(t, ids, "system_command")
	// Content-dependent patterns are always candidates.
	assert.Contains(t, ids, "communication")
	assert.Contains(t, ids, "turn_complete")
}

func TestCandidatesWithoutIndexing(t *testing.T) {
	o := Compile(pattern.Default(), Options{Indexing: false})
	assert.Len(t, o.Candidates([]string{"readFile"}), pattern.Default().Len())
	assert.Len(t, o.CandidatesFor(event.Text("hi")), pattern.Default().Len())
}

func TestCandidatesForIsSuperset(t *testing.T) {
	o := Compile(pattern.Default(), DefaultOptions())
	events := []event.Event{
		event.Text("Let me explain how this works"),
		event.Text("I will analyze the logs"),
		event.Text("nothing relevant"),
		event.ToolCall("Bash", "ls"),
		event.ToolCall("Grep", "explain"),
		event.New(event.KindResult, "done"),
	}
	for _, ev := range events {
		cands := map[string]bool{}
		for _, p := range o.CandidatesFor(ev) {
			cands[p.ID] = true
		}
		for _, p := range o.Patterns() {
			ok, err := p.Match(ev)
			require.NoError(t, err)
			if ok {
				assert.True(t, cands[p.ID], "%s matches %q but is not a candidate", p.ID, ev.Content)
			}
		}
	}
}

func TestCandidatesForPrunesKeywords(t *testing.T) {
	o := Compile(pattern.Default(), DefaultOptions())
	ids := patternIDs(o.CandidatesFor(event.Text("nothing relevant")))
	assert.NotContains(t, ids, "communication")
	assert.NotContains(t, ids, "analysis")
}

func TestCandidatesPriorityOrder(t *testing.T) {
	o := Compile(pattern.Default(), DefaultOptions())
	c := o.Candidates([]string{"Edit", "Read"})
	for i := 1; i < len(c); i++ {
		assert.False(t, pattern.Better(c[i], c[i-1]), "%s before %s", c[i-1].ID, c[i].ID)
	}
}

func TestSecondaryIndexes(t *testing.T) {
	o := Compile(pattern.Default(), DefaultOptions())
	assert.Equal(t, []string{"file_operation"}, patternIDs(o.WithPriority(90)))
	strong := o.AtLeast(0.9)
	require.NotEmpty(t, strong)
	assert.Equal(t, "turn_complete", strong[0].ID)
	for _, p := range strong {
		assert.GreaterOrEqual(t, p.Confidence, 0.9)
	}
	p, ok := o.Pattern("exploration")
	require.True(t, ok)
	assert.Equal(t, 80, p.Priority)
}

func patternIDs(ps []*pattern.Pattern) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
