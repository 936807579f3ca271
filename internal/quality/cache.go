package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/learnd/internal/store"
)

// scorePrefix namespaces cached scores in the store.
const scorePrefix = "score:"

// ScoreCache persists scores keyed by assessor version and record ID.
//
// A version bump leaves stale entries in place; they are simply never
// read again and age out with retention.
type ScoreCache struct {
	store *store.Store
}

// NewScoreCache creates a cache over the given store.
func NewScoreCache(s *store.Store) *ScoreCache {
	return &ScoreCache{store: s}
}

func scoreKey(version, recordID string) string {
	return fmt.Sprintf("%s%s:%s", scorePrefix, version, recordID)
}

// Put stores a score.
func (c *ScoreCache) Put(ctx context.Context, score Score) error {
	return c.store.PutJSON(ctx, scoreKey(score.AssessorVersion, score.RecordID), score)
}

// Get loads the score for a record under the given assessor version.
// Returns ErrNoScore when absent.
func (c *ScoreCache) Get(ctx context.Context, recordID, version string) (Score, error) {
	var score Score
	err := c.store.GetJSON(ctx, scoreKey(version, recordID), &score)
	if errors.Is(err, store.ErrNotFound) {
		return Score{}, ErrNoScore
	}
	if err != nil {
		return Score{}, err
	}
	return score, nil
}

// All returns every cached score for the given assessor version.
func (c *ScoreCache) All(ctx context.Context, version string) ([]Score, error) {
	var scores []Score
	prefix := scorePrefix + version + ":"
	err := c.store.IteratePrefix(ctx, prefix, func(_ string, value []byte) (bool, error) {
		var s Score
		if err := json.Unmarshal(value, &s); err != nil {
			return false, err
		}
		scores = append(scores, s)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}
