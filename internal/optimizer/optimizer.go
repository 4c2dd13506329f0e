// Package optimizer pre-compiles a pattern library into lookup indexes and
// caches per-event detection results.
//
// The indexes are built once by Compile and never mutated afterwards, so
// any number of detectors may read them concurrently. Only the Cache
// mutates, and it serializes itself.
package optimizer

import (
	"sort"
	"strings"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/pattern"
)

type Options struct {
	Indexing  bool
	Caching   bool
	CacheSize int
}

// DefaultOptions enables both indexing and caching with 1000 entries.
func DefaultOptions() Options {
	return Options{Indexing: true, Caching: true, CacheSize: 1000}
}

// Optimizer holds the compiled indexes and the result cache.
type Optimizer struct {
	opts Options

	// ranked holds every pattern in priority order; all other indexes
	// refer to positions in it.
	ranked []*pattern.Pattern
	byID   map[string]int

	tools    map[string][]int // lowercase tool name
	keywords map[string][]int // lowercase keyword
	trigrams map[string][]int // trigram of a keyword
	// short lists keyword patterns with a keyword under three bytes; the
	// trigram filter cannot rule them out.
	short []int
	// always lists patterns with regex or predicate triggers.
	always []int

	byPriority   map[int][]int
	byConfidence []int // descending confidence

	cache *Cache
}

// Compile builds the indexes. The library is not modified.
func Compile(lib *pattern.Library, opts Options) *Optimizer {
	o := &Optimizer{
		opts:       opts,
		ranked:     lib.ByPriority(),
		tools:      map[string][]int{},
		keywords:   map[string][]int{},
		trigrams:   map[string][]int{},
		byPriority: map[int][]int{},
		cache:      NewCache(opts.CacheSize, opts.Caching),
	}
	o.byID = make(map[string]int, len(o.ranked))
	for i, p := range o.ranked {
		o.byID[p.ID] = i
		o.byPriority[p.Priority] = append(o.byPriority[p.Priority], i)
		o.index(i, p)
	}
	o.byConfidence = make([]int, len(o.ranked))
	for i := range o.byConfidence {
		o.byConfidence[i] = i
	}
	sort.SliceStable(o.byConfidence, func(a, b int) bool {
		return o.ranked[o.byConfidence[a]].Confidence > o.ranked[o.byConfidence[b]].Confidence
	})
	return o
}

func (o *Optimizer) index(i int, p *pattern.Pattern) {
	var isAlways, isShort bool
	for _, t := range p.Triggers {
		switch t.Kind {
		case pattern.TriggerTools:
			for _, name := range t.Tools {
				k := strings.ToLower(name)
				o.tools[k] = appendOnce(o.tools[k], i)
			}
		case pattern.TriggerKeywords:
			for _, kw := range t.Keywords {
				k := strings.ToLower(kw)
				o.keywords[k] = appendOnce(o.keywords[k], i)
				if len(k) < 3 {
					isShort = true
					continue
				}
				for _, g := range trigrams(k) {
					o.trigrams[g] = appendOnce(o.trigrams[g], i)
				}
			}
		default:
			isAlways = true
		}
	}
	if isAlways {
		o.always = append(o.always, i)
	}
	if isShort {
		o.short = append(o.short, i)
	}
}

func appendOnce(s []int, i int) []int {
	if n := len(s); n > 0 && s[n-1] == i {
		return s
	}
	return append(s, i)
}

// Candidates returns the patterns that could fire for an event carrying
// these tools, in priority order. Keyword, regex and predicate patterns
// depend on content and are always included. With indexing disabled
// every pattern is returned.
func (o *Optimizer) Candidates(tools []string) []*pattern.Pattern {
	if !o.opts.Indexing {
		return o.Patterns()
	}
	set := o.toolHits(tools)
	for _, ids := range o.keywords {
		for _, i := range ids {
			set[i] = struct{}{}
		}
	}
	for _, i := range o.always {
		set[i] = struct{}{}
	}
	return o.collect(set)
}

// CandidatesFor narrows Candidates further using the event content: a
// keyword pattern is kept only when every trigram of at least one of its
// keywords appears in the content. The result is always a superset of
// the patterns that match ev.
func (o *Optimizer) CandidatesFor(ev event.Event) []*pattern.Pattern {
	if !o.opts.Indexing {
		return o.Patterns()
	}
	set := o.toolHits(ev.Tools)
	for _, i := range o.always {
		set[i] = struct{}{}
	}
	for _, i := range o.short {
		set[i] = struct{}{}
	}
	if len(o.keywords) > 0 && ev.Content != "" {
		lower := strings.ToLower(ev.Content)
		have := make(map[string]struct{})
		for _, g := range trigrams(lower) {
			have[g] = struct{}{}
		}
		for kw, ids := range o.keywords {
			if len(kw) < 3 || !containsAll(have, kw) {
				continue
			}
			for _, i := range ids {
				set[i] = struct{}{}
			}
		}
	}
	return o.collect(set)
}

func (o *Optimizer) toolHits(tools []string) map[int]struct{} {
	set := make(map[int]struct{})
	for _, t := range tools {
		for _, i := range o.tools[strings.ToLower(t)] {
			set[i] = struct{}{}
		}
	}
	return set
}

func (o *Optimizer) collect(set map[int]struct{}) []*pattern.Pattern {
	idx := make([]int, 0, len(set))
	for i := range set {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]*pattern.Pattern, len(idx))
	for n, i := range idx {
		out[n] = o.ranked[i]
	}
	return out
}

func containsAll(have map[string]struct{}, kw string) bool {
	for _, g := range trigrams(kw) {
		if _, ok := have[g]; !ok {
			return false
		}
	}
	return true
}

func trigrams(s string) []string {
	if len(s) < 3 {
		return nil
	}
	out := make([]string, 0, len(s)-2)
	for i := 0; i+3 <= len(s); i++ {
		out = append(out, s[i:i+3])
	}
	return out
}

// Patterns returns every compiled pattern in priority order.
func (o *Optimizer) Patterns() []*pattern.Pattern {
	return append([]*pattern.Pattern(nil), o.ranked...)
}

func (o *Optimizer) Pattern(id string) (*pattern.Pattern, bool) {
	i, ok := o.byID[id]
	if !ok {
		return nil, false
	}
	return o.ranked[i], true
}

// WithPriority returns patterns of exactly this priority.
func (o *Optimizer) WithPriority(priority int) []*pattern.Pattern {
	ids := o.byPriority[priority]
	out := make([]*pattern.Pattern, len(ids))
	for n, i := range ids {
		out[n] = o.ranked[i]
	}
	return out
}

// AtLeast returns patterns with base confidence >= min, most confident first.
func (o *Optimizer) AtLeast(min float64) []*pattern.Pattern {
	var out []*pattern.Pattern
	for _, i := range o.byConfidence {
		p := o.ranked[i]
		if p.Confidence < min {
			break
		}
		out = append(out, p)
	}
	return out
}

func (o *Optimizer) Get(key Key) (Result, bool) { return o.cache.Get(key) }

func (o *Optimizer) Put(key Key, r Result) { o.cache.Put(key, r) }

func (o *Optimizer) Options() Options { return o.opts }

func (o *Optimizer) Stats() Stats { return o.cache.Stats() }
