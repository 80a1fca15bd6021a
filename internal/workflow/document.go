// Package workflow reads and writes the YAML workflow file that holds field
// definitions and their last computed values.
//
// A workflow document is kept as a generic mapping so keys the UI adds are
// preserved on save. Three top-level keys are always present after Load or
// Save:
//
//	config:
//	  code_executor:
//	    endpoint: ""
//	fields: []
//	values: []
package workflow

import (
	"fmt"
	"strings"
)

// Top-level document keys.
const (
	KeyConfig       = "config"
	KeyCodeExecutor = "code_executor"
	KeyEndpoint     = "endpoint"
	KeyFields       = "fields"
	KeyValues       = "values"
)

// Document is one parsed workflow file.
type Document map[string]any

// Empty returns the document served when the file doesn't exist yet.
func Empty() Document {
	return Document{
		KeyConfig: defaultConfig(),
		KeyFields: []any{},
		KeyValues: []any{},
	}
}

func defaultConfig() map[string]any {
	return map[string]any{
		KeyCodeExecutor: map[string]any{KeyEndpoint: ""},
	}
}

// Backfill adds the default config, fields and values where missing.
func (d Document) Backfill() Document {
	if d == nil {
		return Empty()
	}
	cfg, ok := d[KeyConfig].(map[string]any)
	if !ok {
		d[KeyConfig] = defaultConfig()
	} else if _, ok := cfg[KeyCodeExecutor].(map[string]any); !ok {
		cfg[KeyCodeExecutor] = map[string]any{KeyEndpoint: ""}
	}
	if _, ok := d[KeyFields]; !ok || d[KeyFields] == nil {
		d[KeyFields] = []any{}
	}
	if _, ok := d[KeyValues]; !ok || d[KeyValues] == nil {
		d[KeyValues] = []any{}
	}
	return d
}

// Endpoint returns config.code_executor.endpoint, trimmed; empty means local.
func (d Document) Endpoint() string {
	cfg, _ := d[KeyConfig].(map[string]any)
	exec, _ := cfg[KeyCodeExecutor].(map[string]any)
	s, _ := exec[KeyEndpoint].(string)
	return strings.TrimSpace(s)
}

// Field is the typed view of one entry under fields.
type Field struct {
	Name             string
	Code             string
	Imports          string
	Mocks            string
	MockDependencies []string
}

// Computed reports whether the field has code; fields without code are inputs.
func (f Field) Computed() bool {
	return strings.TrimSpace(f.Code) != ""
}

// Fields returns the typed fields. Entries that aren't mappings are skipped.
func (d Document) Fields() []Field {
	list, _ := d[KeyFields].([]any)
	fields := make([]Field, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		f := Field{
			Name:    stringOf(m["name"]),
			Code:    stringOf(m["code"]),
			Imports: stringOf(m["imports"]),
			Mocks:   stringOf(m["mocks"]),
		}
		if deps, ok := m["mock_dependencies"].([]any); ok {
			for _, dep := range deps {
				if s := stringOf(dep); s != "" {
					f.MockDependencies = append(f.MockDependencies, s)
				}
			}
		}
		fields = append(fields, f)
	}
	return fields
}

// Field returns the field with the given name.
func (d Document) Field(name string) (Field, bool) {
	for _, f := range d.Fields() {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Values returns the rows under values. Rows that aren't mappings are skipped.
func (d Document) Values() []map[string]any {
	list, _ := d[KeyValues].([]any)
	rows := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// normalize converts YAML mappings with non-string keys into
// map[string]any so the document can be served as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
