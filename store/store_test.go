package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// testInstance builds an instance with one active and one invalidated document
func testInstance(id, projectID string, root int) *placeflow.WorkflowInstance {
	now := time.Date(2025, 1, 1, 0, 0, root, 0, time.UTC)
	idx := ordering.Root(root)
	return &placeflow.WorkflowInstance{
		ID:               id,
		TemplateID:       "tmpl",
		ProjectID:        projectID,
		OrderingIndex:    idx,
		Place:            "start",
		History:          []placeflow.TransitionRecord{},
		InputFingerprint: "fp",
		Arguments:        map[string]any{"value": 50.0},
		State:            map[string]any{"tool": map[string]any{"ok": true}},
		Imports: map[string]placeflow.DependencyImportRecord{
			"t1/brief": {IDs: []string{"d-x"}, IsNew: true, IsChanged: true},
		},
		Documents: []placeflow.DocumentVersion{
			{
				ID: id + "-d1", InstanceID: id, ProjectID: projectID, MessageID: "report", Version: 1,
				Content: map[string]any{"n": 1.0}, IsInvalidated: true, OrderingIndex: idx.Child(1),
				Scope: placeflow.ScopeProjectLocal, CreatedAt: now,
			},
			{
				ID: id + "-d2", InstanceID: id, ProjectID: projectID, MessageID: "report", Version: 2,
				Content: map[string]any{"n": 2.0}, OrderingIndex: idx.Child(2), Labels: []string{"final"},
				Scope: placeflow.ScopeProjectLocal, CreatedAt: now,
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// runStoreConformance exercises the InstanceStore contract against one
// implementation
func runStoreConformance(t *testing.T, newStore func(t *testing.T) placeflow.InstanceStore) {
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		s := newStore(t)
		inst := testInstance("i-1", "p1", 1)
		require.NoError(t, s.Save(ctx, inst))
		assert.Equal(t, int64(1), inst.Revision)

		loaded, err := s.Load(ctx, "i-1")
		require.NoError(t, err)
		assert.Equal(t, "start", loaded.Place)
		assert.Equal(t, int64(1), loaded.Revision)
		assert.Equal(t, "1", loaded.OrderingIndex.String())
		assert.Equal(t, 50.0, loaded.Arguments["value"])
		assert.Equal(t, map[string]any{"ok": true}, loaded.State["tool"])
		assert.Equal(t, []string{"d-x"}, loaded.Imports["t1/brief"].IDs)
		require.Len(t, loaded.Documents, 2)
		assert.True(t, loaded.Documents[0].IsInvalidated)
		assert.Equal(t, "1.2", loaded.Documents[1].OrderingIndex.String())
		assert.Equal(t, []string{"final"}, loaded.Documents[1].Labels)
	})

	t.Run("load missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "missing")
		assert.ErrorIs(t, err, placeflow.ErrInstanceNotFound)
	})

	t.Run("revision conflict", func(t *testing.T) {
		s := newStore(t)
		inst := testInstance("i-1", "p1", 1)
		require.NoError(t, s.Save(ctx, inst))

		first, err := s.Load(ctx, "i-1")
		require.NoError(t, err)
		second, err := s.Load(ctx, "i-1")
		require.NoError(t, err)

		first.Place = "a"
		require.NoError(t, s.Save(ctx, first))

		second.Place = "b"
		err = s.Save(ctx, second)
		require.Error(t, err)
		assert.True(t, placeflow.IsStateConflict(err))

		loaded, err := s.Load(ctx, "i-1")
		require.NoError(t, err)
		assert.Equal(t, "a", loaded.Place)
		assert.Equal(t, int64(2), loaded.Revision)
	})

	t.Run("new instance with stale revision", func(t *testing.T) {
		s := newStore(t)
		inst := testInstance("i-1", "p1", 1)
		inst.Revision = 3
		assert.True(t, placeflow.IsStateConflict(s.Save(ctx, inst)))
	})

	t.Run("query documents", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, testInstance("i-1", "p1", 1)))
		require.NoError(t, s.Save(ctx, testInstance("i-2", "p1", 2)))
		require.NoError(t, s.Save(ctx, testInstance("i-3", "p2", 3)))

		reader := placeflow.OrderingScope{Reader: ordering.MustParse("3.1")}
		docs, err := s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1", MessageID: "report"}, reader)
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, "i-1-d2", docs[0].ID)
		assert.Equal(t, "i-2-d2", docs[1].ID)

		// Later roots are not visible
		docs, err = s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1"},
			placeflow.OrderingScope{Reader: ordering.MustParse("1.5")})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "i-1-d2", docs[0].ID)

		docs, err = s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1", ExcludeInstanceID: "i-1", Labels: []string{"final"}}, reader)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "i-2-d2", docs[0].ID)
	})

	t.Run("query global documents", func(t *testing.T) {
		s := newStore(t)
		other := testInstance("i-9", "p2", 1)
		other.Documents[1].Scope = placeflow.ScopeGlobal
		require.NoError(t, s.Save(ctx, other))

		reader := placeflow.OrderingScope{Reader: ordering.MustParse("2.1")}
		docs, err := s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1"}, reader)
		require.NoError(t, err)
		assert.Empty(t, docs)

		docs, err = s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1", IncludeGlobal: true}, reader)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "i-9-d2", docs[0].ID)
	})

	t.Run("list instances", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, testInstance("i-1", "p1", 1)))
		require.NoError(t, s.Save(ctx, testInstance("i-2", "p1", 2)))
		child := testInstance("i-3", "p2", 3)
		child.ParentID = "i-1"
		require.NoError(t, s.Save(ctx, child))

		all, err := s.ListInstances(ctx, placeflow.InstanceFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "i-1", all[0].ID)

		p1, err := s.ListInstances(ctx, placeflow.InstanceFilter{ProjectID: "p1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, p1, 1)
		assert.Equal(t, "i-1", p1[0].ID)

		children, err := s.ListInstances(ctx, placeflow.InstanceFilter{ParentID: "i-1"})
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "i-3", children[0].ID)
	})

	t.Run("allocate root", func(t *testing.T) {
		s := newStore(t)
		a, err := s.AllocateRoot(ctx, "p1")
		require.NoError(t, err)
		b, err := s.AllocateRoot(ctx, "p2")
		require.NoError(t, err)
		assert.Equal(t, 1, a.Depth())
		assert.Equal(t, -1, ordering.Compare(a, b))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Save(ctx, testInstance("i-1", "p1", 1)))
		require.NoError(t, s.Delete(ctx, "i-1"))

		_, err := s.Load(ctx, "i-1")
		assert.ErrorIs(t, err, placeflow.ErrInstanceNotFound)

		docs, err := s.QueryDocuments(ctx, placeflow.DocumentCriteria{ProjectID: "p1"},
			placeflow.OrderingScope{Reader: ordering.MustParse("5")})
		require.NoError(t, err)
		assert.Empty(t, docs)

		assert.ErrorIs(t, s.Delete(ctx, "i-1"), placeflow.ErrInstanceNotFound)
	})
}
