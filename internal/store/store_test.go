package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

type testEntity struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	in := testEntity{Name: "alpha", Score: 0.82}
	require.NoError(t, s.PutJSON(ctx, "entity:alpha", in))

	var out testEntity
	require.NoError(t, s.GetJSON(ctx, "entity:alpha", &out))
	assert.Equal(t, in, out)
}

func TestStore_GetMissingKey(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	var out testEntity
	err := s.GetJSON(context.Background(), "entity:missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJSON(ctx, "entity:gone", testEntity{Name: "gone"}))
	require.NoError(t, s.Delete(ctx, "entity:gone"))

	var out testEntity
	assert.ErrorIs(t, s.GetJSON(ctx, "entity:gone", &out), ErrNotFound)

	// Deleting a missing key is not an error
	assert.NoError(t, s.Delete(ctx, "entity:never-existed"))
}

func TestStore_IteratePrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutJSON(ctx, "a:1", testEntity{Name: "one"}))
	require.NoError(t, s.PutJSON(ctx, "a:2", testEntity{Name: "two"}))
	require.NoError(t, s.PutJSON(ctx, "b:1", testEntity{Name: "other"}))

	var keys []string
	err := s.IteratePrefix(ctx, "a:", func(key string, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a:1", "a:2"}, keys)
}

func TestStore_IteratePrefixEarlyStop(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"p:1", "p:2", "p:3"} {
		require.NoError(t, s.PutJSON(ctx, key, testEntity{}))
	}

	seen := 0
	err := s.IteratePrefix(ctx, "p:", func(string, []byte) (bool, error) {
		seen++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestStore_CountPrefix(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"c:1", "c:2", "c:3"} {
		require.NoError(t, s.PutJSON(ctx, key, testEntity{}))
	}

	n, err := s.CountPrefix(ctx, "c:")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_ContextCancellation(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.PutJSON(ctx, "k", testEntity{}))
	assert.Error(t, s.GetJSON(ctx, "k", &testEntity{}))
}

func TestOpen_RequiresDir(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}

func TestOpen_PersistentRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Config{Dir: dir, SyncWrites: false}, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutJSON(ctx, "persist:1", testEntity{Name: "kept"}))
	require.NoError(t, s.Close())

	s, err = Open(Config{Dir: dir, SyncWrites: false}, nil)
	require.NoError(t, err)
	defer s.Close()

	var out testEntity
	require.NoError(t, s.GetJSON(ctx, "persist:1", &out))
	assert.Equal(t, "kept", out.Name)
}
