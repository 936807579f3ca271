package rehearsal

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/dataset"
	"github.com/fyrsmithlabs/learnd/internal/model"
	"github.com/fyrsmithlabs/learnd/internal/quality"
	"github.com/fyrsmithlabs/learnd/internal/record"
)

// Config controls synthetic example generation.
type Config struct {
	// MaxSynthetic bounds generated examples per training run.
	MaxSynthetic int

	// FewShot is how many exemplars seed each generation prompt.
	FewShot int

	// MinHistoryCount is the history depth a domain needs before it is
	// considered worth rehearsing.
	MinHistoryCount int
}

// NewDefaultConfig returns production defaults.
func NewDefaultConfig() Config {
	return Config{
		MaxSynthetic:    20,
		FewShot:         3,
		MinHistoryCount: 10,
	}
}

// Validate checks configuration consistency.
func (c Config) Validate() error {
	if c.MaxSynthetic < 0 {
		return fmt.Errorf("%w: max synthetic cannot be negative", ErrInvalidConfig)
	}
	if c.FewShot < 1 {
		return fmt.Errorf("%w: few-shot count must be positive", ErrInvalidConfig)
	}
	if c.MinHistoryCount < 1 {
		return fmt.Errorf("%w: min history count must be positive", ErrInvalidConfig)
	}
	return nil
}

// Synthesizer generates rehearsal examples for domains the current batch
// underrepresents. Every generated example is scored by the same quality
// engine as live interactions; failures are discarded, never forced in.
type Synthesizer struct {
	cfg     Config
	history *History
	client  model.Client
	engine  *quality.Engine
	gate    quality.Gate
	logger  *zap.Logger
}

// NewSynthesizer creates a rehearsal synthesizer.
func NewSynthesizer(cfg Config, history *History, client model.Client, engine *quality.Engine, gate quality.Gate, logger *zap.Logger) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if history == nil {
		return nil, fmt.Errorf("%w: history store is required", ErrInvalidConfig)
	}
	if client == nil {
		return nil, ErrNoModelClient
	}
	if engine == nil {
		return nil, ErrNoQualityCheck
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		cfg:     cfg,
		history: history,
		client:  client,
		engine:  engine,
		gate:    gate,
		logger:  logger,
	}, nil
}

// scarceShare is the batch share below which a domain counts as scarce.
const scarceShare = 0.05

// Synthesize generates examples for domains that are strong in history
// but absent or scarce in the batch. batchCounts maps domain to its
// candidate count in the current batch.
func (s *Synthesizer) Synthesize(ctx context.Context, batchCounts map[string]int) ([]dataset.Example, error) {
	if s.cfg.MaxSynthetic == 0 {
		return nil, nil
	}

	total := 0
	for _, n := range batchCounts {
		total += n
	}

	var targets []string
	for _, domain := range s.history.Domains() {
		if s.history.Count(domain) < s.cfg.MinHistoryCount {
			continue
		}
		share := 0.0
		if total > 0 {
			share = float64(batchCounts[domain]) / float64(total)
		}
		if batchCounts[domain] == 0 || share < scarceShare {
			targets = append(targets, domain)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	perDomain := s.cfg.MaxSynthetic / len(targets)
	if perDomain < 1 {
		perDomain = 1
	}

	var out []dataset.Example
	for _, domain := range targets {
		if len(out) >= s.cfg.MaxSynthetic {
			break
		}
		budget := perDomain
		if remaining := s.cfg.MaxSynthetic - len(out); budget > remaining {
			budget = remaining
		}
		examples, err := s.synthesizeDomain(ctx, domain, budget)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// A failed domain costs its rehearsal, not the run
			s.logger.Warn("Rehearsal synthesis failed for domain",
				zap.String("domain", domain),
				zap.Error(err))
			continue
		}
		out = append(out, examples...)
	}

	s.logger.Info("Rehearsal synthesis finished",
		zap.Int("domains", len(targets)),
		zap.Int("examples", len(out)))
	return out, nil
}

func (s *Synthesizer) synthesizeDomain(ctx context.Context, domain string, budget int) ([]dataset.Example, error) {
	exemplars, err := s.history.Retrieve(ctx, domain, domain, s.cfg.FewShot)
	if err != nil {
		return nil, err
	}

	out := make([]dataset.Example, 0, budget)
	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		completion, err := s.client.Complete(ctx, buildPrompt(domain, exemplars))
		if err != nil {
			return out, fmt.Errorf("generation failed: %w", err)
		}

		input, output, ok := parseGenerated(completion)
		if !ok {
			s.logger.Debug("Discarding malformed synthetic example",
				zap.String("domain", domain))
			continue
		}

		interaction, err := record.NewInteraction(record.CaptureRequest{
			SessionID: "rehearsal",
			Input:     input,
			Output:    output,
			Snapshot:  record.Snapshot{Domain: domain},
		})
		if err != nil {
			continue
		}

		score := s.engine.Assess(ctx, interaction)
		if verdict := s.gate.Evaluate(score); !verdict.Pass {
			s.logger.Debug("Discarding low-quality synthetic example",
				zap.String("domain", domain),
				zap.String("reason", verdict.FailureReason),
				zap.Float64("score", score.Overall))
			continue
		}

		out = append(out, dataset.Example{
			Input:     input,
			Output:    output,
			Domain:    domain,
			Reasoning: dataset.ClassifyReasoning(interaction),
			Synthetic: true,
			Quality:   score.Overall,
		})
	}
	return out, nil
}

// buildPrompt assembles the few-shot generation prompt.
func buildPrompt(domain string, exemplars []Exemplar) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You maintain a model's skill in the %q domain.\n", domain)
	b.WriteString("Below are past exchanges that went well. Produce ONE new,\n")
	b.WriteString("different exchange of the same kind and quality. Respond with\n")
	b.WriteString("exactly two sections:\n\nINPUT:\n<the user request>\n\nOUTPUT:\n<the assistant response>\n")
	for i, ex := range exemplars {
		fmt.Fprintf(&b, "\n--- Example %d ---\nINPUT:\n%s\n\nOUTPUT:\n%s\n", i+1, ex.Input, ex.Output)
	}
	return b.String()
}

// parseGenerated splits a completion into its INPUT and OUTPUT sections.
func parseGenerated(completion string) (input, output string, ok bool) {
	iIdx := strings.Index(completion, "INPUT:")
	oIdx := strings.LastIndex(completion, "OUTPUT:")
	if iIdx < 0 || oIdx < 0 || oIdx <= iIdx {
		return "", "", false
	}
	input = strings.TrimSpace(completion[iIdx+len("INPUT:") : oIdx])
	output = strings.TrimSpace(completion[oIdx+len("OUTPUT:"):])
	if input == "" || output == "" {
		return "", "", false
	}
	return input, output, true
}
