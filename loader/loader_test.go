package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/schema"
)

const reviewYAML = `
id: review
name: Document review
description: Writes a report and waits for approval
initial: draft
places: [draft, written, approved, failed]
transitions:
  - id: write
    from: draft
    to: written
    on_error: failed
    calls:
      - tool: write_report
        args:
          topic: "{{ .arguments.topic }}"
          outline: "{{ .state.outline }}"
        arg_schemas:
          outline: report/outline
        output: report
  - id: approve
    from: written
    to: approved
    trigger: manual
    when: '{{ eq .transition.payload.decision "yes" }}'
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tmpl, err := Load([]byte(reviewYAML))
	require.NoError(t, err)

	assert.Equal(t, "review", tmpl.ID)
	assert.Equal(t, "Document review", tmpl.Name)
	assert.Equal(t, "draft", tmpl.InitialPlace)
	assert.Equal(t, []string{"draft", "written", "approved", "failed"}, tmpl.Places)
	require.Len(t, tmpl.Transitions, 2)

	write := tmpl.Transitions[0]
	assert.Equal(t, placeflow.TriggerAutomatic, write.Trigger)
	assert.Equal(t, "failed", write.OnError)
	require.Len(t, write.Calls, 1)
	assert.Equal(t, "write_report", write.Calls[0].Tool)
	assert.Equal(t, "report", write.Calls[0].OutputKey())
	assert.Equal(t, "{{ .arguments.topic }}", write.Calls[0].Args["topic"])
	assert.Equal(t, map[string]string{"outline": "report/outline"}, write.Calls[0].ArgSchemas)

	approve := tmpl.Transitions[1]
	assert.True(t, approve.Trigger.IsManual())
	assert.Equal(t, `{{ eq .transition.payload.decision "yes" }}`, approve.Condition)
}

func TestLoad_JSON(t *testing.T) {
	tmpl, err := Load([]byte(`{
		"id": "count",
		"name": "Counter",
		"transitions": [
			{"id": "inc", "from": "start", "to": "done", "condition": "{{ true }}",
			 "calls": [{"tool": "add", "args": {"n": 1}}]}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, "start", tmpl.InitialPlace)
	assert.Equal(t, []string{"start", "done"}, tmpl.Places)
	assert.Equal(t, "{{ true }}", tmpl.Transitions[0].Condition)
	assert.Equal(t, "add", tmpl.Transitions[0].Calls[0].OutputKey())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "id: [unclosed"},
		{"empty", ""},
		{"unknown field", "id: x\nname: x\nplaces: [a]\nstates: []"},
		{"unknown trigger", `
id: x
transitions:
  - {id: t, from: a, to: b, trigger: cron}`},
		{"conflicting guards", `
id: x
transitions:
  - {id: t, from: a, to: b, when: "{{ true }}", condition: "{{ false }}"}`},
		{"missing id", `
transitions:
  - {id: t, from: a, to: b}`},
		{"unreachable place", `
id: x
places: [a, b, island]
transitions:
  - {id: t, from: a, to: b}`},
		{"runaway cycle", `
id: x
transitions:
  - {id: there, from: a, to: b}
  - {id: back, from: b, to: a}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "review.yaml", reviewYAML)
	writeFile(t, dir, "count.json", `{"id":"count","transitions":[{"id":"inc","from":"a","to":"b"}]}`)
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	templates, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, templates, 2)

	tmpl, err := templates.Template("review")
	require.NoError(t, err)
	assert.Equal(t, "draft", tmpl.InitialPlace)
}

func TestLoadDir_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", reviewYAML)
	writeFile(t, dir, "b.yml", reviewYAML)

	_, err := LoadDir(dir)
	assert.ErrorContains(t, err, "duplicate template id")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestLoadSchemas(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reports.yaml", `
report/outline:
  type: object
  required: [sections]
  properties:
    sections:
      type: array
      items: {type: string}
report/v1:
  type: object
  properties:
    title: {type: string}
`)
	writeFile(t, dir, "notes.json", `{"note/v1": {"type": "string"}}`)

	reg := schema.NewRegistry()
	require.NoError(t, LoadSchemas(dir, reg))
	assert.Equal(t, []string{"note/v1", "report/outline", "report/v1"}, reg.Paths())

	_, err := reg.Validate("report/outline", map[string]any{"sections": []any{"intro"}})
	assert.NoError(t, err)
	_, err = reg.Validate("report/outline", map[string]any{})
	assert.Error(t, err)

	single := schema.NewRegistry()
	require.NoError(t, LoadSchemas(filepath.Join(dir, "notes.json"), single))
	assert.True(t, single.HasSchema("note/v1"))
}

func TestLoadSchemas_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "bad.yaml", "broken/v1:\n  type: 12\n")

	assert.Error(t, LoadSchemas(bad, schema.NewRegistry()))
	assert.Error(t, LoadSchemas(filepath.Join(dir, "missing"), schema.NewRegistry()))

	ok := writeFile(t, t.TempDir(), "ok.yaml", "ok/v1: {type: string}\n")
	assert.ErrorIs(t, LoadSchemas(ok, schema.NewRegistry().Freeze()), schema.ErrFrozen)
}
