package record

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInteraction(t *testing.T) {
	t.Parallel()

	req := CaptureRequest{
		SessionID: "sess-1",
		Input:     "refactor the parser",
		Output:    "done, extracted three helpers",
		Latency:   2 * time.Second,
		Snapshot:  Snapshot{Domain: "refactoring"},
		ToolTrace: []ToolCall{{Name: "go_test", ExitCode: 0}},
	}

	interaction, err := NewInteraction(req)
	require.NoError(t, err)

	assert.NotEmpty(t, interaction.ID)
	assert.Equal(t, "sess-1", interaction.SessionID)
	assert.Equal(t, "refactoring", interaction.ContextSnapshot.Domain)
	assert.Equal(t, 2*time.Second, interaction.Latency)
	assert.False(t, interaction.Timestamp.IsZero())
}

func TestNewInteraction_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     CaptureRequest
		wantErr error
	}{
		{
			name:    "empty input",
			req:     CaptureRequest{Output: "out"},
			wantErr: ErrEmptyInput,
		},
		{
			name:    "empty output",
			req:     CaptureRequest{Input: "in"},
			wantErr: ErrEmptyOutput,
		},
		{
			name: "oversized snapshot",
			req: CaptureRequest{
				Input:    "in",
				Output:   "out",
				Snapshot: Snapshot{WorkingSet: strings.Repeat("x", MaxSnapshotBytes+1)},
			},
			wantErr: ErrSnapshotTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewInteraction(tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// fakePublisher fails the first failCount publishes.
type fakePublisher struct {
	mu        sync.Mutex
	failCount int
	published [][]byte
}

func (f *fakePublisher) Publish(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCount > 0 {
		f.failCount--
		return errors.New("publish failed")
	}
	f.published = append(f.published, data)
	return nil
}

func validRequest() CaptureRequest {
	return CaptureRequest{
		SessionID: "sess-1",
		Input:     "explain this panic",
		Output:    "nil map write, initialize with make",
	}
}

func TestRecorder_Record(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	rec := NewRecorder(pub, nil, nil)

	id := rec.Record(context.Background(), validRequest())
	assert.NotEmpty(t, id)
	assert.Len(t, pub.published, 1)
}

func TestRecorder_RetriesOnceThenSucceeds(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failCount: 1}
	rec := NewRecorder(pub, nil, nil)

	id := rec.Record(context.Background(), validRequest())
	assert.NotEmpty(t, id)
	assert.Len(t, pub.published, 1)
}

func TestRecorder_DropsAfterRetry(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{failCount: 2}
	rec := NewRecorder(pub, nil, nil)

	// Still returns an ID: failure is never surfaced to the caller
	id := rec.Record(context.Background(), validRequest())
	assert.NotEmpty(t, id)
	assert.Empty(t, pub.published)
}

func TestRecorder_DropsMalformedWithoutPublishing(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	rec := NewRecorder(pub, nil, nil)

	id := rec.Record(context.Background(), CaptureRequest{Input: "", Output: "out"})
	assert.Empty(t, id)
	assert.Empty(t, pub.published)
}

func TestRecorder_Latency(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	rec := NewRecorder(pub, nil, nil)

	req := validRequest()
	req.Snapshot = Snapshot{WorkingSet: strings.Repeat("w", 16*1024)}

	start := time.Now()
	rec.Record(context.Background(), req)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Millisecond, "capture must stay off the caller's hot path")
}

func TestQueue_PublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{
		Embedded:      true,
		MaxReconnects: 1,
		ReconnectWait: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer q.Close()

	received := make(chan Interaction, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := q.Subscribe(ctx, func(_ context.Context, i Interaction) {
		received <- i
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	rec := NewRecorder(q, nil, nil)
	id := rec.Record(ctx, validRequest())
	require.NotEmpty(t, id)
	require.NoError(t, q.Flush())

	select {
	case got := <-received:
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "explain this panic", got.Input)
	case <-time.After(3 * time.Second):
		t.Fatal("interaction not delivered")
	}
}

func TestQueue_SubscribeDropsMalformedPayload(t *testing.T) {
	t.Parallel()

	q, err := NewQueue(QueueConfig{Embedded: true}, nil)
	require.NoError(t, err)
	defer q.Close()

	received := make(chan Interaction, 1)
	ctx := context.Background()

	sub, err := q.Subscribe(ctx, func(_ context.Context, i Interaction) {
		received <- i
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, q.Publish([]byte("not json")))
	require.NoError(t, q.Flush())

	select {
	case got := <-received:
		t.Fatalf("malformed payload delivered: %+v", got)
	case <-time.After(300 * time.Millisecond):
		// Expected: payload dropped
	}
}
