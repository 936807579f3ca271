package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		BaseURL:    "http://localhost:11434/v1",
		Name:       "test-model",
		RateLimit:  1000,
		Burst:      100,
		MaxRetries: 2,
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, testConfig().Validate())

	noURL := testConfig()
	noURL.BaseURL = ""
	assert.ErrorIs(t, noURL.Validate(), ErrInvalidConfig)

	noName := testConfig()
	noName.Name = ""
	assert.ErrorIs(t, noName.Validate(), ErrInvalidConfig)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	client, err := NewClient(testConfig())
	require.NoError(t, err)
	assert.Equal(t, "test-model", client.Name())
}

func TestComplete_Success(t *testing.T) {
	t.Parallel()

	client := newClient(testConfig(), func(_ context.Context, prompt string) (string, error) {
		return "echo: " + prompt, nil
	})

	out, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
}

func TestComplete_RetriesTransientFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	client := newClient(testConfig(), func(context.Context, string) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "recovered", nil
	})
	client.baseBackoff = time.Millisecond

	out, err := client.Complete(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 3, calls)
}

func TestComplete_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	calls := 0
	client := newClient(testConfig(), func(context.Context, string) (string, error) {
		calls++
		return "", errors.New("server error (503)")
	})
	client.baseBackoff = time.Millisecond

	_, err := client.Complete(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestComplete_EmptyResponseIsTerminal(t *testing.T) {
	t.Parallel()

	calls := 0
	client := newClient(testConfig(), func(context.Context, string) (string, error) {
		calls++
		return "", ErrEmptyResponse
	})
	client.baseBackoff = time.Millisecond

	_, err := client.Complete(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, 1, calls)
}

func TestComplete_ContextCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	client := newClient(testConfig(), func(context.Context, string) (string, error) {
		cancel()
		return "", errors.New("transient")
	})
	client.baseBackoff = time.Millisecond

	_, err := client.Complete(ctx, "hello")
	require.Error(t, err)
}
