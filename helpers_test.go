package placeflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPtr(t *testing.T) {
	p := ToPtr(42)
	require.NotNil(t, p)
	assert.Equal(t, 42, *p)

	b := ToPtr(false)
	require.NotNil(t, b)
	assert.False(t, *b)
}

func TestCanonicalJSON_SortsKeysAtEveryDepth(t *testing.T) {
	type inner struct {
		Zeta  int `json:"zeta"`
		Alpha int `json:"alpha"`
	}

	data, err := CanonicalJSON(map[string]any{
		"b": inner{Zeta: 1, Alpha: 2},
		"a": []any{map[string]any{"y": 1, "x": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[{"x":2,"y":1}],"b":{"alpha":2,"zeta":1}}`, string(data))
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		name  string
		a, b  map[string]any
		equal bool
	}{
		{
			name:  "key order does not matter",
			a:     map[string]any{"x": 1, "y": map[string]any{"p": true, "q": "s"}},
			b:     map[string]any{"y": map[string]any{"q": "s", "p": true}, "x": 1},
			equal: true,
		},
		{
			name:  "nil and empty are equal",
			a:     nil,
			b:     map[string]any{},
			equal: true,
		},
		{
			name:  "numeric representation is normalized",
			a:     map[string]any{"n": 3},
			b:     map[string]any{"n": 3.0},
			equal: true,
		},
		{
			name:  "different values differ",
			a:     map[string]any{"x": 1},
			b:     map[string]any{"x": 2},
			equal: false,
		},
		{
			name:  "slice order matters",
			a:     map[string]any{"x": []int{1, 2}},
			b:     map[string]any{"x": []int{2, 1}},
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, err := Fingerprint(tt.a)
			require.NoError(t, err)
			fb, err := Fingerprint(tt.b)
			require.NoError(t, err)

			assert.Len(t, fa, 64)
			if tt.equal {
				assert.Equal(t, fa, fb)
			} else {
				assert.NotEqual(t, fa, fb)
			}
		})
	}
}

func TestFingerprint_Unserializable(t *testing.T) {
	_, err := Fingerprint(map[string]any{"f": func() {}})
	assert.Error(t, err)
}

func TestDependencyFingerprint(t *testing.T) {
	base := map[string]DependencyImportRecord{
		"t1/a": {IDs: []string{"d2", "d1"}},
		"t2/b": {IDs: []string{"d1"}},
	}
	reordered := map[string]DependencyImportRecord{
		"t1/a": {IDs: []string{"d1"}},
		"t2/b": {IDs: []string{"d1", "d2"}},
	}
	withExempt := map[string]DependencyImportRecord{
		"t1/a": {IDs: []string{"d2", "d1"}},
		"t3/c": {IDs: []string{"d9"}, NoDependency: true},
	}
	changed := map[string]DependencyImportRecord{
		"t1/a": {IDs: []string{"d1", "d3"}},
	}

	fp := DependencyFingerprint(base, nil)
	assert.NotEmpty(t, fp)
	assert.Equal(t, fp, DependencyFingerprint(reordered, nil))
	assert.Equal(t, fp, DependencyFingerprint(withExempt, nil))
	assert.NotEqual(t, fp, DependencyFingerprint(changed, nil))
	assert.Empty(t, DependencyFingerprint(nil, nil))

	assert.Equal(t, []string{"d1", "d2"}, DependencyIDs(withExempt, nil))

	notD2 := func(id string) bool { return id != "d2" }
	assert.Equal(t, []string{"d1"}, DependencyIDs(base, notD2))
	assert.Equal(t, DependencyFingerprint(map[string]DependencyImportRecord{"t2/b": {IDs: []string{"d1"}}}, nil),
		DependencyFingerprint(base, notD2))
	assert.Empty(t, DependencyFingerprint(changed, func(string) bool { return false }))
}
