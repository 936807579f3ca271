package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/store"
)

// candidatePrefix orders candidate keys by selection time. The zero-padded
// nanosecond timestamp keeps badger's lexicographic iteration chronological.
const candidatePrefix = "candidate:"

func candidateKey(selectedAt time.Time, recordID string) string {
	return fmt.Sprintf("%s%020d:%s", candidatePrefix, selectedAt.UnixNano(), recordID)
}

// CandidateStore persists gate-passed candidates between training runs.
//
// It is also the decision engine's view of accumulated work: QualifyingCount
// and RecentScores back the volume and trend triggers.
type CandidateStore struct {
	store  *store.Store
	logger *zap.Logger
}

// NewCandidateStore creates a candidate store over the shared badger store.
func NewCandidateStore(s *store.Store, logger *zap.Logger) *CandidateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CandidateStore{store: s, logger: logger}
}

// Add persists one candidate.
func (cs *CandidateStore) Add(ctx context.Context, c Candidate) error {
	if c.SelectedAt.IsZero() {
		c.SelectedAt = time.Now().UTC()
	}
	key := candidateKey(c.SelectedAt, c.Interaction.ID)
	if err := cs.store.PutJSON(ctx, key, c); err != nil {
		return fmt.Errorf("failed to persist candidate: %w", err)
	}
	return nil
}

// QualifyingCount returns the number of accumulated candidates. Every
// stored candidate already passed the quality gate.
func (cs *CandidateStore) QualifyingCount(ctx context.Context) (int, error) {
	return cs.store.CountPrefix(ctx, candidatePrefix)
}

// RecentScores returns up to n overall scores, oldest first, from the
// most recent candidates.
func (cs *CandidateStore) RecentScores(ctx context.Context, n int) ([]float64, error) {
	var scores []float64
	err := cs.store.IteratePrefix(ctx, candidatePrefix, func(_ string, value []byte) (bool, error) {
		var c Candidate
		if err := json.Unmarshal(value, &c); err != nil {
			return true, nil // skip corrupt entries
		}
		scores = append(scores, c.Score.Overall)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan candidate scores: %w", err)
	}
	if len(scores) > n {
		scores = scores[len(scores)-n:]
	}
	return scores, nil
}

// All returns every accumulated candidate, oldest first.
func (cs *CandidateStore) All(ctx context.Context) ([]Candidate, error) {
	var out []Candidate
	err := cs.store.IteratePrefix(ctx, candidatePrefix, func(key string, value []byte) (bool, error) {
		var c Candidate
		if err := json.Unmarshal(value, &c); err != nil {
			cs.logger.Warn("Skipping corrupt candidate",
				zap.String("key", key),
				zap.Error(err))
			return true, nil
		}
		out = append(out, c)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	return out, nil
}

// Consume returns every candidate and removes them from the store. A
// completed training run calls this so the volume trigger cannot re-fire
// on the same accumulation.
func (cs *CandidateStore) Consume(ctx context.Context) ([]Candidate, error) {
	candidates, err := cs.All(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		key := candidateKey(c.SelectedAt, c.Interaction.ID)
		if err := cs.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to clear candidate %s: %w", c.Interaction.ID, err)
		}
	}
	return candidates, nil
}
