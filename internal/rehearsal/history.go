// Package rehearsal guards against catastrophic forgetting. It keeps a
// per-domain history of strong exemplars in an embedded vector store and
// synthesizes bounded training examples for domains the current batch
// underrepresents.
package rehearsal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// Common errors for rehearsal.
var (
	ErrInvalidConfig  = errors.New("invalid rehearsal configuration")
	ErrUnknownDomain  = errors.New("no history for domain")
	ErrEmptyExemplar  = errors.New("exemplar input and output cannot be empty")
	ErrNoModelClient  = errors.New("model client is required")
	ErrNoQualityCheck = errors.New("quality engine is required")
)

// Exemplar is one historical example of strong performance in a domain.
type Exemplar struct {
	ID       string
	Domain   string
	Input    string
	Output   string
	Quality  float64
	StoredAt time.Time
}

// EmbedFunc turns text into an embedding vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// NewLocalEmbedding returns an embedding function backed by an
// OpenAI-compatible local server.
func NewLocalEmbedding(baseURL, apiKey, model string) EmbedFunc {
	if apiKey == "" {
		apiKey = "not-needed" // local servers require a non-empty token
	}
	fn := chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
	return EmbedFunc(fn)
}

// History is the per-domain exemplar store. One chromem collection per
// domain keeps retrieval scoped without metadata filtering.
type History struct {
	db     *chromem.DB
	embed  EmbedFunc
	logger *zap.Logger
}

// NewHistory opens a persistent exemplar store at dir. An empty dir
// keeps everything in memory, which the tests use.
func NewHistory(dir string, embed EmbedFunc, logger *zap.Logger) (*History, error) {
	if embed == nil {
		return nil, fmt.Errorf("%w: embedding function is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
	}

	return &History{db: db, embed: embed, logger: logger}, nil
}

// collectionName maps a free-form domain to a valid collection name.
func collectionName(domain string) string {
	var b strings.Builder
	b.WriteString("history-")
	for _, r := range strings.ToLower(domain) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (h *History) embeddingFunc() chromem.EmbeddingFunc {
	return chromem.EmbeddingFunc(h.embed)
}

// Add stores one exemplar under its domain.
func (h *History) Add(ctx context.Context, ex Exemplar) error {
	if ex.Input == "" || ex.Output == "" {
		return ErrEmptyExemplar
	}
	if ex.StoredAt.IsZero() {
		ex.StoredAt = time.Now().UTC()
	}

	collection, err := h.db.GetOrCreateCollection(collectionName(ex.Domain), nil, h.embeddingFunc())
	if err != nil {
		return fmt.Errorf("failed to open domain collection: %w", err)
	}

	doc := chromem.Document{
		ID:      ex.ID,
		Content: ex.Input + "\n" + ex.Output,
		Metadata: map[string]string{
			"input":     ex.Input,
			"output":    ex.Output,
			"quality":   strconv.FormatFloat(ex.Quality, 'f', 3, 64),
			"stored_at": ex.StoredAt.Format(time.RFC3339),
		},
	}
	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to store exemplar: %w", err)
	}

	h.logger.Debug("Exemplar stored",
		zap.String("domain", ex.Domain),
		zap.String("id", ex.ID))
	return nil
}

// Count returns the number of exemplars held for a domain.
func (h *History) Count(domain string) int {
	collection := h.db.GetCollection(collectionName(domain), h.embeddingFunc())
	if collection == nil {
		return 0
	}
	return collection.Count()
}

// Domains lists every domain with at least one exemplar.
func (h *History) Domains() []string {
	var out []string
	for name := range h.db.ListCollections() {
		if d, ok := strings.CutPrefix(name, "history-"); ok {
			out = append(out, d)
		}
	}
	return out
}

// Retrieve returns up to k exemplars of a domain most similar to query.
func (h *History) Retrieve(ctx context.Context, domain, query string, k int) ([]Exemplar, error) {
	collection := h.db.GetCollection(collectionName(domain), h.embeddingFunc())
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if n := collection.Count(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	} else if k > n {
		k = n
	}

	results, err := collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query domain history: %w", err)
	}

	out := make([]Exemplar, 0, len(results))
	for _, r := range results {
		q, _ := strconv.ParseFloat(r.Metadata["quality"], 64)
		storedAt, _ := time.Parse(time.RFC3339, r.Metadata["stored_at"])
		out = append(out, Exemplar{
			ID:       r.ID,
			Domain:   domain,
			Input:    r.Metadata["input"],
			Output:   r.Metadata["output"],
			Quality:  q,
			StoredAt: storedAt,
		})
	}
	return out, nil
}
