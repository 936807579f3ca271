package dataset

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
)

// NewCandidate classifies a gate-passed interaction into a candidate.
func NewCandidate(in record.Interaction, score quality.Score) Candidate {
	return Candidate{
		Interaction:       in,
		Score:             score,
		Domain:            ClassifyDomain(in),
		ReasoningRequired: ClassifyReasoning(in),
		SelectedAt:        time.Now().UTC(),
	}
}

// reasoningMarkers indicate multi-step reasoning in either side of the
// exchange.
var reasoningMarkers = []string{
	"why", "explain", "debug", "because", "therefore", "step by step",
	"first,", "then,", "root cause", "trace", "walk through", "analyze",
	"compare", "trade-off", "tradeoff",
}

// longInputRunes marks inputs large enough that answering them usually
// requires working through intermediate steps.
const longInputRunes = 600

// largeSnapshotBytes marks context snapshots big enough to imply a
// multi-file task.
const largeSnapshotBytes = 4096

// ClassifyReasoning decides whether an exchange demanded multi-step
// reasoning. A high-complexity hint or two reasoning markers decide
// directly; input length and snapshot size break ties.
func ClassifyReasoning(in record.Interaction) bool {
	if in.ContextSnapshot.Complexity == "high" {
		return true
	}

	score := 0
	combined := strings.ToLower(in.Input + " " + in.Output)
	for _, marker := range reasoningMarkers {
		if strings.Contains(combined, marker) {
			score++
		}
	}
	if score >= 2 {
		return true
	}

	if len([]rune(in.Input)) >= longInputRunes {
		score++
	}
	if len(in.ContextSnapshot.WorkingSet)+len(in.ContextSnapshot.RecentToolOutput) >= largeSnapshotBytes {
		score++
	}
	return score >= 2
}

// domainKeywords maps fallback domains to keywords looked up in the
// exchange when the caller supplied no domain tag.
var domainKeywords = map[string][]string{
	"coding":        {"func ", "class ", "import ", "def ", "compile", "refactor", "```"},
	"debugging":     {"error", "panic", "traceback", "stack trace", "segfault", "exception"},
	"testing":       {"test", "assert", "mock", "coverage", "fixture"},
	"infra":         {"deploy", "docker", "kubernetes", "terraform", "ci/cd", "pipeline"},
	"data":          {"query", "sql", "schema", "dataframe", "csv", "json"},
	"documentation": {"readme", "document", "docstring", "comment", "changelog"},
}

// fallbackDomain is used when nothing matches.
const fallbackDomain = "general"

// ClassifyDomain resolves the task domain, preferring the caller's
// snapshot tag over the keyword heuristic.
func ClassifyDomain(in record.Interaction) string {
	if d := in.ContextSnapshot.Domain; d != "" {
		return strings.ToLower(d)
	}

	combined := strings.ToLower(in.Input + " " + in.Output)
	best := fallbackDomain
	bestHits := 0
	for domain, keywords := range domainKeywords {
		hits := 0
		for _, kw := range keywords {
			hits += strings.Count(combined, kw)
		}
		// Ties resolve alphabetically to keep classification stable.
		if hits > bestHits || (hits == bestHits && hits > 0 && domain < best) {
			best = domain
			bestHits = hits
		}
	}
	return best
}
