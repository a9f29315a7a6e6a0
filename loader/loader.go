// Package loader reads workflow templates and schema documents from YAML or
// JSON files.
//
// A template file looks like:
//
//	id: review
//	name: Document review
//	initial: draft
//	transitions:
//	  - id: write
//	    from: draft
//	    to: written
//	    calls:
//	      - tool: write_report
//	        args: {topic: "{{ .arguments.topic }}"}
//	        output: report
//	  - id: approve
//	    from: written
//	    to: approved
//	    trigger: manual
package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/sicko7947/placeflow"
	"github.com/sicko7947/placeflow/builder"
	"github.com/sicko7947/placeflow/schema"
)

type templateFile struct {
	ID          string           `mapstructure:"id"`
	Name        string           `mapstructure:"name"`
	Description string           `mapstructure:"description"`
	Places      []string         `mapstructure:"places"`
	Initial     string           `mapstructure:"initial"`
	Transitions []transitionFile `mapstructure:"transitions"`
}

type transitionFile struct {
	ID        string     `mapstructure:"id"`
	From      string     `mapstructure:"from"`
	To        string     `mapstructure:"to"`
	When      string     `mapstructure:"when"`
	Condition string     `mapstructure:"condition"`
	Trigger   string     `mapstructure:"trigger"`
	OnError   string     `mapstructure:"on_error"`
	Calls     []callFile `mapstructure:"calls"`
}

type callFile struct {
	Tool       string            `mapstructure:"tool"`
	Args       map[string]any    `mapstructure:"args"`
	ArgSchemas map[string]string `mapstructure:"arg_schemas"`
	Output     string            `mapstructure:"output"`
}

// Load parses a single template document
func Load(data []byte) (*placeflow.WorkflowTemplate, error) {
	raw, err := parse(data)
	if err != nil {
		return nil, err
	}

	var file templateFile
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &file,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode template: %w", err)
	}
	return file.build()
}

// LoadFile reads and parses a template file
func LoadFile(path string) (*placeflow.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}
	tmpl, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tmpl, nil
}

// LoadDir loads every template file in dir. Template ids must be unique.
func LoadDir(dir string) (placeflow.TemplateMap, error) {
	paths, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	templates := placeflow.TemplateMap{}
	for _, path := range paths {
		tmpl, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := templates[tmpl.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate template id %q", path, tmpl.ID)
		}
		templates[tmpl.ID] = tmpl
	}
	return templates, nil
}

// LoadSchemas registers the schemas found in path, a file or a directory.
// Each file maps schema paths to schema documents:
//
//	report/v1:
//	  type: object
//	  required: [title]
func LoadSchemas(path string, reg *schema.OpenAPIRegistry) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	paths := []string{path}
	if info.IsDir() {
		if paths, err = listFiles(path); err != nil {
			return err
		}
	}

	for _, p := range paths {
		if err := loadSchemaFile(p, reg); err != nil {
			return err
		}
	}
	return nil
}

func loadSchemaFile(path string, reg *schema.OpenAPIRegistry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schemas %s: %w", path, err)
	}
	raw, err := parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		doc, err := json.Marshal(raw[name])
		if err != nil {
			return fmt.Errorf("%s: schema %s: %w", path, name, err)
		}
		if err := reg.RegisterJSON(name, doc); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (f templateFile) build() (*placeflow.WorkflowTemplate, error) {
	b := builder.NewTemplate(f.ID, f.Name).
		WithDescription(f.Description).
		Places(f.Places...)
	if f.Initial != "" {
		b.Initial(f.Initial)
	}

	for _, t := range f.Transitions {
		opts, err := t.options()
		if err != nil {
			return nil, fmt.Errorf("transition %s: %w", t.ID, err)
		}
		b.Transition(t.ID, t.From, t.To, opts...)
	}
	return b.Build()
}

func (t transitionFile) options() ([]builder.TransitionOption, error) {
	var opts []builder.TransitionOption

	condition := t.When
	if condition == "" {
		condition = t.Condition
	} else if t.Condition != "" && t.Condition != t.When {
		return nil, fmt.Errorf("both when and condition are set")
	}
	if condition != "" {
		opts = append(opts, builder.When(condition))
	}

	switch placeflow.TriggerType(t.Trigger) {
	case "", placeflow.TriggerAutomatic:
	case placeflow.TriggerManual:
		opts = append(opts, builder.Manual())
	default:
		return nil, fmt.Errorf("unknown trigger %q", t.Trigger)
	}

	if t.OnError != "" {
		opts = append(opts, builder.OnError(t.OnError))
	}

	for _, c := range t.Calls {
		var callOpts []builder.CallOption
		if c.Output != "" {
			callOpts = append(callOpts, builder.Output(c.Output))
		}
		for arg, path := range c.ArgSchemas {
			callOpts = append(callOpts, builder.ArgSchema(arg, path))
		}
		opts = append(opts, builder.Call(c.Tool, c.Args, callOpts...))
	}
	return opts, nil
}

// parse accepts YAML, which also covers JSON documents
func parse(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty document")
	}
	return raw, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
