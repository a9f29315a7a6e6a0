package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) placeflow.InstanceStore {
		return newTestSQLiteStore(t)
	})
}

func TestSQLiteStore_ConflictKeepsDocuments(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	inst := testInstance("i-1", "p1", 1)
	require.NoError(t, s.Save(ctx, inst))

	stale, err := s.Load(ctx, "i-1")
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, inst))

	stale.Documents[1].Content = map[string]any{"n": 99.0}
	err = s.Save(ctx, stale)
	require.Error(t, err)
	assert.True(t, placeflow.IsStateConflict(err))

	loaded, err := s.Load(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 2.0}, loaded.Documents[1].Content)
	assert.Equal(t, int64(2), loaded.Revision)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "placeflow.db")
	ctx := context.Background()

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	root, err := s.AllocateRoot(ctx, "p1")
	require.NoError(t, err)
	inst := testInstance("i-1", "p1", 1)
	inst.OrderingIndex = root
	require.NoError(t, s.Save(ctx, inst))
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.Load(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "1", loaded.OrderingIndex.String())
	assert.Len(t, loaded.Documents, 2)

	next, err := s.AllocateRoot(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, ordering.Root(2), next)
}
