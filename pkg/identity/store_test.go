package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-cozmonaut/pkg/face"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "friends.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmbedding(seed float64) face.Embedding {
	var e face.Embedding
	for i := range e {
		e[i] = seed + float64(i)/1000
	}
	return e
}

func TestInsertAndLoadAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idA, err := s.Insert(ctx, "Ada", testEmbedding(0.1))
	require.NoError(t, err)
	idB, err := s.Insert(ctx, "Grace", testEmbedding(0.2))
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)

	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, idA, recs[0].FaceID)
	assert.Equal(t, testEmbedding(0.1), recs[0].Embedding)
	assert.Equal(t, testEmbedding(0.2), recs[1].Embedding)
}

func TestLookupAndTouch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2019, 4, 12, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	id, err := s.Insert(ctx, "Ada", testEmbedding(0))
	require.NoError(t, err)

	name, seen, err := s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ada", name)
	assert.True(t, seen.IsZero(), "new friend should not have been seen yet")

	require.NoError(t, s.TouchLastSeen(ctx, id))
	_, seen, err = s.Lookup(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen.Equal(fixed))
}

func TestNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.Lookup(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.TouchLastSeen(ctx, 99), ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, 99), ErrNotFound)
}

func TestListAndRemove(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, "Ada", testEmbedding(0))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "Grace", testEmbedding(1))
	require.NoError(t, err)

	friends, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, "Ada", friends[0].Name)
	assert.False(t, friends[0].CreatedAt.IsZero())

	require.NoError(t, s.Remove(ctx, id))
	friends, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "Grace", friends[0].Name)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "friends.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "Ada", testEmbedding(0.5))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, testEmbedding(0.5), recs[0].Embedding)
}

func TestDecodeEmbeddingRejectsWrongLength(t *testing.T) {
	_, err := decodeEmbedding("[1, 2, 3]")
	assert.Error(t, err)
	_, err = decodeEmbedding("not json")
	assert.Error(t, err)
}
