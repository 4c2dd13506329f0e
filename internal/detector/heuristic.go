package detector

import (
	"strings"

	"github.com/ehrlich-b/stepline/internal/event"
	"github.com/ehrlich-b/stepline/internal/step"
)

// Order matters: on equal hit counts the earlier type wins.
var heuristics = []struct {
	typ   step.Type
	words []string
}{
	{step.TypeCodeModification, []string{"edit", "modify", "refactor", "rename", "replace", "patch", "fix", "implement"}},
	{step.TypeSystemCommand, []string{"run ", "command", "execute", "install", "build", "compile", "terminal", "shell"}},
	{step.TypeFileOperation, []string{"file", "read", "write", "directory", "folder", "save"}},
	{step.TypeExploration, []string{"search", "find", "look for", "grep", "locate", "explore", "browse"}},
	{step.TypeAnalysis, []string{"analy", "review", "examine", "investigat", "inspect", "evaluate", "understand"}},
	{step.TypeCommunication, []string{"explain", "let me", "here is", "here's", "summary", "answer", "question"}},
}

const (
	heuristicBase = 0.3
	heuristicStep = 0.1
	heuristicMax  = 0.6
)

// Classify is the keyword fallback classifier. It scores every type by
// how many of its keywords appear in the content or tool names and
// returns the best type, a confidence capped well below pattern
// confidences, and the hit count. Zero hits means communication at the
// base confidence.
func Classify(ev event.Event) (step.Type, float64, int) {
	text := strings.ToLower(ev.Content + " " + strings.Join(ev.Tools, " "))
	best, bestHits := step.TypeCommunication, 0
	for _, h := range heuristics {
		hits := 0
		for _, w := range h.words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = h.typ, hits
		}
	}
	conf := heuristicBase + heuristicStep*float64(bestHits)
	if conf > heuristicMax {
		conf = heuristicMax
	}
	return best, conf, bestHits
}
