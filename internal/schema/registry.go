// Package schema detects content schemas from key patterns and validates
// payload structure before writes are accepted.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Known schema identifiers.
const (
	UserPreferenceSchema = "UserPreferenceSchema"
	ArchitectureSchema   = "ArchitectureSchema"
	PolicySchema         = "PolicySchema"
	ContextSchema        = "ContextSchema"
)

type fieldKind int

const (
	kindAny fieldKind = iota
	kindString
	kindBool
	kindStringArray
)

type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
}

type structSchema struct {
	id     string
	fields []fieldSpec
}

type rule struct {
	pattern  *regexp.Regexp
	schemaID string
}

// Registry holds an ordered rule list; the first matching pattern wins.
type Registry struct {
	rules   []rule
	schemas map[string]structSchema
}

// NewRegistry returns the registry with the built-in memory-key rules.
func NewRegistry() *Registry {
	return &Registry{
		rules: []rule{
			{regexp.MustCompile(`^user:.*:preference:.*$`), UserPreferenceSchema},
			{regexp.MustCompile(`^project:.*:architecture:.*$`), ArchitectureSchema},
			{regexp.MustCompile(`^org:.*:policy:.*$`), PolicySchema},
			{regexp.MustCompile(`^session:.*:context:.*$`), ContextSchema},
		},
		schemas: map[string]structSchema{
			UserPreferenceSchema: {id: UserPreferenceSchema, fields: []fieldSpec{
				{name: "theme", kind: kindString},
				{name: "language", kind: kindString},
				{name: "notifications", kind: kindBool},
			}},
			ArchitectureSchema: {id: ArchitectureSchema, fields: []fieldSpec{
				{name: "type", kind: kindString, required: true},
				{name: "components", kind: kindStringArray},
				{name: "description", kind: kindString},
			}},
			PolicySchema: {id: PolicySchema, fields: []fieldSpec{
				{name: "name", kind: kindString, required: true},
				{name: "rules", kind: kindStringArray},
				{name: "enabled", kind: kindBool},
			}},
			ContextSchema: {id: ContextSchema, fields: []fieldSpec{
				{name: "sessionId", kind: kindString},
				{name: "currentFile", kind: kindString},
				{name: "state", kind: kindAny},
			}},
		},
	}
}

// DetectSchemaID returns the schema for the first rule matching key, or nil.
func (r *Registry) DetectSchemaID(key string) *string {
	for _, ru := range r.rules {
		if ru.pattern.MatchString(key) {
			id := ru.schemaID
			return &id
		}
	}
	return nil
}

// Validate checks content against the named schema. A nil schemaID means no
// validation applies. The error message aggregates one entry per offending
// field.
func (r *Registry) Validate(content json.RawMessage, schemaID *string) (bool, string) {
	if schemaID == nil {
		return true, ""
	}
	sc, ok := r.schemas[*schemaID]
	if !ok {
		return false, fmt.Sprintf("unknown schema: %s", *schemaID)
	}

	var obj map[string]any
	if err := json.Unmarshal(content, &obj); err != nil || obj == nil {
		return false, "content: expected an object"
	}

	var problems []string
	for _, f := range sc.fields {
		v, present := obj[f.name]
		if !present || v == nil {
			if f.required {
				problems = append(problems, f.name+": required field missing")
			}
			continue
		}
		if !matchesKind(v, f.kind) {
			problems = append(problems, f.name+": "+kindMessage(f.kind))
		}
	}
	if len(problems) > 0 {
		return false, strings.Join(problems, ", ")
	}
	return true, ""
}

func matchesKind(v any, k fieldKind) bool {
	switch k {
	case kindAny:
		return true
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindStringArray:
		arr, ok := v.([]any)
		if !ok {
			return false
		}
		for _, e := range arr {
			if _, ok := e.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func kindMessage(k fieldKind) string {
	switch k {
	case kindString:
		return "expected a string"
	case kindBool:
		return "expected a boolean"
	case kindStringArray:
		return "expected an array of strings"
	default:
		return "invalid value"
	}
}

// SchemaIDs lists the registered schema identifiers.
func (r *Registry) SchemaIDs() []string {
	out := make([]string, 0, len(r.schemas))
	for id := range r.schemas {
		out = append(out, id)
	}
	return out
}
