package dataset

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/telemetry"
)

// complexityAdjust shifts the quality cutoff per complexity hint. Harder
// tasks earn lower cutoffs so rare hard examples are not priced out.
var complexityAdjust = map[string]float64{
	"low":  0.05,
	"high": -0.05,
}

// Builder assembles training datasets from accumulated candidates.
type Builder struct {
	cfg     Config
	logger  *zap.Logger
	metrics *telemetry.PipelineMetrics
	seed    int64
}

// BuilderOption customizes builder behavior.
type BuilderOption func(*Builder)

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *telemetry.PipelineMetrics) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// WithSeed fixes the split shuffle for reproducible builds.
func WithSeed(seed int64) BuilderOption {
	return func(b *Builder) { b.seed = seed }
}

// NewBuilder creates a dataset builder.
func NewBuilder(cfg Config, logger *zap.Logger, opts ...BuilderOption) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		cfg:    cfg,
		logger: logger,
		seed:   time.Now().UnixNano(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Build filters, balances, and splits candidates into a dataset.
// Synthetic rehearsal examples, already quality-gated by their producer,
// join the pool before balancing.
func (b *Builder) Build(ctx context.Context, candidates []Candidate, synthetic []Example) (Dataset, error) {
	if ctx.Err() != nil {
		return Dataset{}, ctx.Err()
	}
	if len(candidates) == 0 && len(synthetic) == 0 {
		return Dataset{}, ErrNoCandidates
	}

	thresholds := b.domainThresholds(candidates)

	pool := make([]Example, 0, len(candidates)+len(synthetic))
	for _, c := range candidates {
		cutoff := thresholds[c.Domain]
		if c.Score.Overall < cutoff {
			continue
		}
		pool = append(pool, Example{
			RecordID:  c.Interaction.ID,
			Input:     c.Interaction.Input,
			Output:    c.Interaction.Output,
			Domain:    c.Domain,
			Reasoning: c.ReasoningRequired,
			Quality:   c.Score.Overall,
		})
	}
	pool = append(pool, synthetic...)

	pool = b.balanceDomains(pool)
	pool, ratio := b.enforceRatioBand(pool)

	if len(pool) < b.cfg.MinExamples {
		return Dataset{}, fmt.Errorf("%w: %d of %d required",
			ErrTooFewExamples, len(pool), b.cfg.MinExamples)
	}

	train, validation := b.split(pool)

	ds := Dataset{
		ID:                 uuid.New().String(),
		CreatedAt:          time.Now().UTC(),
		TrainExamples:      train,
		ValidationExamples: validation,
		ReasoningRatio:     ratio,
		Metadata: map[string]string{
			"candidates":      strconv.Itoa(len(candidates)),
			"synthetic":       strconv.Itoa(len(synthetic)),
			"pool_ratio":      fmt.Sprintf("%.3f", ratio),
			"base_threshold":  fmt.Sprintf("%.2f", b.cfg.BaseThreshold),
			"domains":         strconv.Itoa(len(domainCounts(pool))),
			"validation_frac": fmt.Sprintf("%.2f", b.cfg.ValidationSplit),
		},
	}

	for domain, count := range domainCounts(pool) {
		b.metrics.RecordCandidates(ctx, domain, count)
	}
	b.logger.Info("Dataset built",
		zap.String("dataset_id", ds.ID),
		zap.Int("train", len(train)),
		zap.Int("validation", len(validation)),
		zap.Float64("reasoning_ratio", ds.ReasoningRatio))

	return ds, nil
}

// domainThresholds computes the per-domain quality cutoff: the base
// threshold shifted by the domain's average complexity hint, clamped.
func (b *Builder) domainThresholds(candidates []Candidate) map[string]float64 {
	adjustSum := make(map[string]float64)
	counts := make(map[string]int)
	for _, c := range candidates {
		adjustSum[c.Domain] += complexityAdjust[c.Interaction.ContextSnapshot.Complexity]
		counts[c.Domain]++
	}

	thresholds := make(map[string]float64, len(counts))
	for domain, n := range counts {
		t := b.cfg.BaseThreshold + adjustSum[domain]/float64(n)
		if t < b.cfg.MinThreshold {
			t = b.cfg.MinThreshold
		}
		if t > b.cfg.MaxThreshold {
			t = b.cfg.MaxThreshold
		}
		thresholds[domain] = t
	}
	return thresholds
}

// balanceDomains trims overrepresented domains to MaxDomainShare of the
// pool, dropping the lowest-quality examples first. Trimming shrinks the
// pool and can push another domain over the cap, so it loops to a fixed
// point.
func (b *Builder) balanceDomains(pool []Example) []Example {
	if len(domainCounts(pool)) <= 1 {
		// A single-domain pool cannot satisfy any share cap below 1.
		return pool
	}
	for {
		total := len(pool)
		if total == 0 {
			return pool
		}
		limit := int(float64(total) * b.cfg.MaxDomainShare)
		if limit < 1 {
			limit = 1
		}

		counts := domainCounts(pool)
		over := ""
		for domain, n := range counts {
			if n > limit && (over == "" || counts[domain] > counts[over]) {
				over = domain
			}
		}
		if over == "" {
			return pool
		}

		kept := trimDomain(pool, over, limit)
		b.logger.Debug("Capped domain share",
			zap.String("domain", over),
			zap.Int("before", counts[over]),
			zap.Int("after", limit))
		pool = kept
	}
}

// trimDomain keeps the limit highest-quality examples of one domain.
func trimDomain(pool []Example, domain string, limit int) []Example {
	var ours []Example
	kept := make([]Example, 0, len(pool))
	for _, ex := range pool {
		if ex.Domain == domain {
			ours = append(ours, ex)
		} else {
			kept = append(kept, ex)
		}
	}
	sort.SliceStable(ours, func(i, j int) bool { return ours[i].Quality > ours[j].Quality })
	return append(kept, ours[:limit]...)
}

// enforceRatioBand down-samples the overrepresented class until the
// reasoning share sits inside the configured band, keeping the highest
// quality examples. Returns the final pool and its reasoning share.
func (b *Builder) enforceRatioBand(pool []Example) ([]Example, float64) {
	ratio := reasoningShare(pool)
	lo := b.cfg.ReasoningRatio - b.cfg.RatioBand
	hi := b.cfg.ReasoningRatio + b.cfg.RatioBand
	if ratio >= lo && ratio <= hi {
		return pool, ratio
	}

	var reasoning, direct []Example
	for _, ex := range pool {
		if ex.Reasoning {
			reasoning = append(reasoning, ex)
		} else {
			direct = append(direct, ex)
		}
	}
	if len(reasoning) == 0 || len(direct) == 0 {
		// One-class pools cannot be rebalanced by down-sampling.
		b.logger.Warn("Reasoning ratio outside band with one-class pool",
			zap.Float64("ratio", ratio))
		return pool, ratio
	}
	sort.SliceStable(reasoning, func(i, j int) bool { return reasoning[i].Quality > reasoning[j].Quality })
	sort.SliceStable(direct, func(i, j int) bool { return direct[i].Quality > direct[j].Quality })

	// Ceiling keeps the trimmed class non-empty and lands the share at or
	// just above target instead of truncating below the band floor.
	target := b.cfg.ReasoningRatio
	if ratio > hi {
		// target/(1-target) reasoning examples per direct example
		want := int(math.Ceil(float64(len(direct)) * target / (1 - target)))
		if want < len(reasoning) {
			reasoning = reasoning[:want]
		}
	} else {
		want := int(math.Ceil(float64(len(reasoning)) * (1 - target) / target))
		if want < len(direct) {
			direct = direct[:want]
		}
	}

	out := append(reasoning, direct...)
	return out, reasoningShare(out)
}

// split carves the validation fraction out of each class separately so
// the train side keeps the reasoning share the band enforcement produced.
func (b *Builder) split(pool []Example) (train, validation []Example) {
	var reasoning, direct []Example
	for _, ex := range pool {
		if ex.Reasoning {
			reasoning = append(reasoning, ex)
		} else {
			direct = append(direct, ex)
		}
	}

	rng := rand.New(rand.NewSource(b.seed))
	train, validation = splitClass(rng, reasoning, b.cfg.ValidationSplit, train, validation)
	train, validation = splitClass(rng, direct, b.cfg.ValidationSplit, train, validation)

	// Tiny pools can round every per-class cut to zero.
	if len(validation) == 0 && len(train) > 1 {
		validation = append(validation, train[len(train)-1])
		train = train[:len(train)-1]
	}

	rng.Shuffle(len(train), func(i, j int) {
		train[i], train[j] = train[j], train[i]
	})
	return train, validation
}

func splitClass(rng *rand.Rand, class []Example, frac float64, train, validation []Example) ([]Example, []Example) {
	shuffled := make([]Example, len(class))
	copy(shuffled, class)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	n := int(float64(len(shuffled)) * frac)
	return append(train, shuffled[n:]...), append(validation, shuffled[:n]...)
}

func reasoningShare(pool []Example) float64 {
	if len(pool) == 0 {
		return 0
	}
	n := 0
	for _, ex := range pool {
		if ex.Reasoning {
			n++
		}
	}
	return float64(n) / float64(len(pool))
}

func domainCounts(pool []Example) map[string]int {
	counts := make(map[string]int)
	for _, ex := range pool {
		counts[ex.Domain]++
	}
	return counts
}
