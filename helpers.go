package placeflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToPtr returns a pointer to the given value.
func ToPtr[T any](v T) *T {
	return &v
}

// CanonicalJSON encodes v with object keys sorted at every depth.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}

	// Round trip through the generic shape so struct field order does not leak
	// into the encoding. encoding/json sorts map keys.
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return json.Marshal(generic)
}

// Fingerprint hashes workflow arguments. Nil and empty argument maps hash the
// same.
func Fingerprint(args map[string]any) (string, error) {
	if len(args) == 0 {
		args = map[string]any{}
	}
	data, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DependencyFingerprint hashes the sorted unique document ids of all import
// records that register a dependency. Ids for which live returns false are
// left out; a nil live keeps every id. It returns "" when none remain.
func DependencyFingerprint(imports map[string]DependencyImportRecord, live func(id string) bool) string {
	ids := DependencyIDs(imports, live)
	if len(ids) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return hex.EncodeToString(sum[:])
}

// DependencyIDs returns the sorted unique document ids registered as
// dependencies and accepted by live.
func DependencyIDs(imports map[string]DependencyImportRecord, live func(id string) bool) []string {
	seen := make(map[string]struct{})
	for _, rec := range imports {
		if rec.NoDependency {
			continue
		}
		for _, id := range rec.IDs {
			if live != nil && !live(id) {
				continue
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ImportKey builds the key of a dependency record
func ImportKey(transitionID, key string) string {
	return transitionID + "/" + key
}
