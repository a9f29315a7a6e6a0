package documents

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// LoadByQuery resolves q for a reader at step inside transitionID, records the
// outcome on inst.Imports and refreshes the dependency fingerprint
func (s *Store) LoadByQuery(ctx context.Context, inst *placeflow.WorkflowInstance, step ordering.Index, transitionID string, q placeflow.DocumentQuery) (*placeflow.LoadResult, error) {
	if q.Key == "" {
		return nil, placeflow.NewWorkflowError(placeflow.ErrCodeValidation, "document query key is required")
	}

	criteria := placeflow.DocumentCriteria{
		ProjectID:     inst.ProjectID,
		MessageID:     q.MessageID,
		SchemaRef:     q.SchemaRef,
		Labels:        q.Labels,
		IncludeGlobal: q.IncludeGlobal,
	}
	scope := placeflow.OrderingScope{Reader: step}

	var candidates []placeflow.DocumentVersion
	for _, d := range inst.Documents {
		if criteria.Matches(d) && scope.Allows(d.OrderingIndex) {
			candidates = append(candidates, d)
		}
	}

	if s.querier != nil {
		external := criteria
		external.ExcludeInstanceID = inst.ID
		found, err := s.querier.QueryDocuments(ctx, external, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to query documents: %w", err)
		}
		for _, d := range found {
			// stores filter too; re-check so a lax store cannot leak later documents
			if external.Matches(d) && scope.Allows(d.OrderingIndex) {
				candidates = append(candidates, d)
			}
		}
	}

	if q.Filter != nil {
		filtered := candidates[:0]
		for _, d := range candidates {
			if q.Filter(d) {
				filtered = append(filtered, d)
			}
		}
		candidates = filtered
	}

	if q.Less != nil {
		sort.SliceStable(candidates, func(i, j int) bool { return q.Less(candidates[i], candidates[j]) })
	} else {
		sort.SliceStable(candidates, func(i, j int) bool { return defaultLess(candidates[i], candidates[j]) })
	}

	key := placeflow.ImportKey(transitionID, q.Key)
	if len(candidates) == 0 && !q.Optional {
		return nil, placeflow.NewDependencyNotFoundError(key).WithTransition(transitionID)
	}

	value, err := mapValue(q, candidates)
	if err != nil {
		return nil, placeflow.NewToolExecutionError("document map", err).WithTransition(transitionID)
	}

	record := placeflow.DependencyImportRecord{
		IDs:          documentIDs(candidates),
		Current:      value,
		NoDependency: q.NoDependency,
	}

	previous, existed := inst.Imports[key]
	if existed {
		prev := previous
		prev.Previous = nil
		record.Previous = &prev
		record.IsChanged = !sameIDs(prev.IDs, record.IDs) || !sameValue(prev.Current, record.Current)
	} else {
		record.IsNew = true
		record.IsChanged = true
	}

	if inst.Imports == nil {
		inst.Imports = make(map[string]placeflow.DependencyImportRecord)
	}
	inst.Imports[key] = record
	inst.RefreshDependencyFingerprint()

	return &placeflow.LoadResult{
		Documents: candidates,
		Value:     value,
		Record:    record,
	}, nil
}

// Bind returns a loader fixed to one instance, step and transition
func (s *Store) Bind(inst *placeflow.WorkflowInstance, step ordering.Index, transitionID string) placeflow.DocumentLoader {
	return &boundLoader{store: s, inst: inst, step: step, transitionID: transitionID}
}

type boundLoader struct {
	store        *Store
	inst         *placeflow.WorkflowInstance
	step         ordering.Index
	transitionID string
}

func (l *boundLoader) Load(ctx context.Context, q placeflow.DocumentQuery) (*placeflow.LoadResult, error) {
	return l.store.LoadByQuery(ctx, l.inst, l.step, l.transitionID, q)
}

func defaultLess(a, b placeflow.DocumentVersion) bool {
	if c := ordering.Compare(a.OrderingIndex, b.OrderingIndex); c != 0 {
		return c < 0
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.ID < b.ID
}

func mapValue(q placeflow.DocumentQuery, docs []placeflow.DocumentVersion) (any, error) {
	if q.Map != nil {
		return q.Map(docs)
	}
	contents := make([]any, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}
	return contents, nil
}

func documentIDs(docs []placeflow.DocumentVersion) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	ca, errA := placeflow.CanonicalJSON(a)
	cb, errB := placeflow.CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}
