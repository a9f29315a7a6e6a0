// Package store provides persistence implementations for placeflow.
// The InstanceStore interface is defined in the root placeflow package
// (../store_interface.go) to avoid import cycles between the engine
// and store packages.
//
// This package contains concrete implementations:
//   - DynamoDBStore: AWS DynamoDB single-table backend
//   - SQLiteStore: embedded SQL backend (modernc.org/sqlite, no cgo)
//   - MemoryStore: in-memory backend for tests and the CLI
//
// Every implementation checks WorkflowInstance.Revision on Save and reports
// a stale write as a STATE_CONFLICT error.
package store

import (
	"sort"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/ordering"
)

// sortDocuments orders documents by ordering index, then version
func sortDocuments(docs []placeflow.DocumentVersion) {
	sort.SliceStable(docs, func(i, j int) bool {
		if c := ordering.Compare(docs[i].OrderingIndex, docs[j].OrderingIndex); c != 0 {
			return c < 0
		}
		return docs[i].Version < docs[j].Version
	})
}

// sortInstances orders instances oldest first
func sortInstances(insts []*placeflow.WorkflowInstance) {
	sort.SliceStable(insts, func(i, j int) bool {
		if !insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].CreatedAt.Before(insts[j].CreatedAt)
		}
		return insts[i].ID < insts[j].ID
	})
}

// filterDocuments applies criteria and visibility to candidates
func filterDocuments(candidates []placeflow.DocumentVersion, criteria placeflow.DocumentCriteria, scope placeflow.OrderingScope) []placeflow.DocumentVersion {
	var out []placeflow.DocumentVersion
	for _, d := range candidates {
		if criteria.Matches(d) && scope.Allows(d.OrderingIndex) {
			out = append(out, d)
		}
	}
	sortDocuments(out)
	return out
}

func applyLimit(insts []*placeflow.WorkflowInstance, limit int) []*placeflow.WorkflowInstance {
	if limit > 0 && len(insts) > limit {
		return insts[:limit]
	}
	return insts
}
