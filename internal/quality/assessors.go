package quality

import (
	"math"
	"strings"

	"github.com/fyrsmithlabs/learnd/internal/record"
)

// neutralValue is what a dimension contributes when it has no signal.
const neutralValue = 0.5

// Assessor scores one dimension of an interaction.
//
// The boolean return reports whether the dimension had observable signal;
// without signal the engine substitutes the neutral value and lowers
// confidence instead of trusting the assessor's output.
type Assessor interface {
	Name() string
	Assess(interaction record.Interaction) (value float64, hasSignal bool)
}

// defaultAssessors returns the five standard assessors.
func defaultAssessors() []Assessor {
	return []Assessor{
		satisfactionAssessor{},
		correctnessAssessor{},
		codeQualityAssessor{},
		relevanceAssessor{},
		efficiencyAssessor{},
	}
}

// satisfactionAssessor reads explicit feedback markers and sentiment cues
// from the user side of the exchange.
type satisfactionAssessor struct{}

var (
	positiveMarkers = []string{
		"thanks", "thank you", "perfect", "great", "exactly",
		"that works", "works now", "nice", "awesome", "lgtm",
	}
	negativeMarkers = []string{
		"wrong", "broken", "doesn't work", "does not work", "not working",
		"still failing", "still broken", "incorrect", "that's not", "useless",
	}
)

func (satisfactionAssessor) Name() string { return "user_satisfaction" }

func (satisfactionAssessor) Assess(interaction record.Interaction) (float64, bool) {
	pos := countMarkers(interaction.Input, positiveMarkers)
	neg := countMarkers(interaction.Input, negativeMarkers)

	if pos+neg == 0 {
		return neutralValue, false
	}

	return float64(pos) / float64(pos+neg), true
}

// correctnessAssessor reads failure markers from the output and exit codes
// from the tool trace.
type correctnessAssessor struct{}

var failureMarkers = []string{
	"panic:", "traceback", "exception", "fatal error",
	"--- fail", "test failed", "build failed", "segmentation fault",
}

func (correctnessAssessor) Name() string { return "functional_correctness" }

func (correctnessAssessor) Assess(interaction record.Interaction) (float64, bool) {
	hasSignal := false
	value := 1.0

	if len(interaction.ToolTrace) > 0 {
		hasSignal = true
		failed := 0
		for _, call := range interaction.ToolTrace {
			if call.ExitCode != 0 {
				failed++
			}
		}
		value = 1.0 - float64(failed)/float64(len(interaction.ToolTrace))
	}

	if markers := countMarkers(interaction.Output, failureMarkers); markers > 0 {
		hasSignal = true
		value -= 0.25 * float64(markers)
	}

	if !hasSignal {
		return neutralValue, false
	}
	return clamp01(value), true
}

// codeQualityAssessor applies structural heuristics to code blocks in the
// output. Outputs without code carry no signal for this dimension.
type codeQualityAssessor struct{}

func (codeQualityAssessor) Name() string { return "code_quality" }

func (codeQualityAssessor) Assess(interaction record.Interaction) (float64, bool) {
	fences := strings.Count(interaction.Output, "```")
	if fences == 0 {
		return neutralValue, false
	}

	value := 0.5

	// Unbalanced fences usually mean truncated output
	if fences%2 == 0 {
		value += 0.2
	} else {
		value -= 0.2
	}

	code := extractCodeBlocks(interaction.Output)
	lines := strings.Split(code, "\n")
	if len(lines) > 2 {
		value += 0.1
	}

	longLines := 0
	for _, line := range lines {
		if len(line) > 120 {
			longLines++
		}
	}
	if len(lines) > 0 && float64(longLines)/float64(len(lines)) < 0.1 {
		value += 0.2
	}

	return clamp01(value), true
}

// extractCodeBlocks returns the concatenated contents of fenced blocks.
func extractCodeBlocks(text string) string {
	var blocks strings.Builder
	parts := strings.Split(text, "```")
	// Odd-indexed segments are inside fences
	for i := 1; i < len(parts); i += 2 {
		body := parts[i]
		// Drop the language tag line
		if idx := strings.IndexByte(body, '\n'); idx >= 0 {
			body = body[idx+1:]
		}
		blocks.WriteString(body)
		blocks.WriteString("\n")
	}
	return blocks.String()
}

// relevanceAssessor measures keyword overlap between the context snapshot
// and the output. An empty snapshot carries no signal.
type relevanceAssessor struct{}

func (relevanceAssessor) Name() string { return "context_relevance" }

func (relevanceAssessor) Assess(interaction record.Interaction) (float64, bool) {
	snapshot := interaction.ContextSnapshot.WorkingSet + " " +
		interaction.ContextSnapshot.RecentToolOutput
	if strings.TrimSpace(snapshot) == "" {
		return neutralValue, false
	}

	retention := keywordRetention(snapshot, interaction.Output)

	// Exponential curve rewards partial overlap; full keyword retention
	// is rare even for highly relevant answers
	return clamp01(math.Pow(retention, 0.5)), true
}

// efficiencyAssessor checks latency proportional to output size. Records
// without latency capture carry no signal.
type efficiencyAssessor struct{}

// targetCharsPerSecond is the throughput at or above which latency earns
// full marks.
const targetCharsPerSecond = 50.0

func (efficiencyAssessor) Name() string { return "efficiency" }

func (efficiencyAssessor) Assess(interaction record.Interaction) (float64, bool) {
	if interaction.Latency <= 0 {
		return neutralValue, false
	}

	seconds := interaction.Latency.Seconds()
	throughput := float64(len(interaction.Output)) / seconds
	if throughput >= targetCharsPerSecond {
		return 1.0, true
	}
	return clamp01(throughput / targetCharsPerSecond), true
}

// clamp01 clamps v into [0,1].
func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
