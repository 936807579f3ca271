// Package model is the serving boundary for the locally hosted model.
//
// The pipeline talks to the model over an OpenAI-compatible API (llama.cpp,
// vLLM, Ollama all expose one). Calls are rate limited and retried with
// exponential backoff; a failed call is a Transient error, never a reason
// to crash a pipeline stage.
package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/learnd/internal/config"
)

var (
	// ErrInvalidConfig indicates invalid client configuration.
	ErrInvalidConfig = errors.New("invalid model config")

	// ErrEmptyResponse indicates the model returned no content.
	ErrEmptyResponse = errors.New("empty response from model")
)

const (
	defaultTimeout     = 60 * time.Second
	defaultRateLimit   = 50.0 / 60.0 // requests per second
	defaultBurst       = 5
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
	defaultMaxTokens   = 2048
	defaultTemperature = 0.3
)

// Client is the completion surface the pipeline consumes.
type Client interface {
	// Complete generates a completion for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)

	// Name identifies the model behind the client.
	Name() string
}

// Config holds model client configuration.
type Config struct {
	// BaseURL is the OpenAI-compatible endpoint.
	BaseURL string

	// Name is the model to request.
	Name string

	// APIKey is optional for local servers.
	APIKey config.Secret

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// RateLimit is requests per second; Burst is the limiter burst.
	RateLimit float64
	Burst     int

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: model name required", ErrInvalidConfig)
	}
	return nil
}

// generateFunc is the raw completion call, split out so tests can stub it.
type generateFunc func(ctx context.Context, prompt string) (string, error)

// LLM is the langchaingo-backed Client implementation.
type LLM struct {
	name        string
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
	generate    generateFunc
}

// NewClient creates a client for the configured model endpoint.
func NewClient(cfg Config) (*LLM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token; local servers ignore it
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Name),
		openai.WithToken(apiKey),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	generate := func(ctx context.Context, prompt string) (string, error) {
		out, err := llms.GenerateFromSinglePrompt(ctx, llm, prompt,
			llms.WithTemperature(defaultTemperature),
			llms.WithMaxTokens(defaultMaxTokens),
		)
		if err != nil {
			return "", err
		}
		if out == "" {
			return "", ErrEmptyResponse
		}
		return out, nil
	}

	return newClient(cfg, generate), nil
}

// newClient wires the limiter and retry policy around a generator.
func newClient(cfg Config, generate generateFunc) *LLM {
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &LLM{
		name:        cfg.Name,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), burst),
		maxRetries:  maxRetries,
		baseBackoff: defaultBaseBackoff,
		generate:    generate,
	}
}

// Name returns the configured model name.
func (l *LLM) Name() string {
	return l.name
}

// Complete generates a completion from the given prompt.
//
// The call waits on the rate limiter, then retries transient failures
// with exponential backoff up to the configured attempt limit.
func (l *LLM) Complete(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := l.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		response, err := l.generate(ctx, prompt)
		if err == nil {
			return response, nil
		}

		lastErr = err
		if !isRetryableError(ctx, err) {
			return "", err
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryableError reports whether a completion failure is worth retrying.
// Context cancellation and empty responses are terminal; everything else
// (connection refused, 5xx, rate limit) is Transient.
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	return true
}
