// Package schema checks the JSON-schema subset plugins use to describe tool
// parameters: an object with typed properties and an optional required list.
package schema

import (
	"fmt"
	"sort"
)

var knownTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
	"null":    true,
}

// FieldError reports one invalid field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// Normalize returns s, or an empty object schema when s is nil.
func Normalize(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return s
}

// Check validates a parameter schema declared by a plugin.
func Check(s map[string]any) error {
	s = Normalize(s)
	if t, _ := s["type"].(string); t != "object" {
		return &FieldError{Message: fmt.Sprintf("parameters type must be \"object\", got %v", s["type"])}
	}

	props := map[string]any{}
	if raw, ok := s["properties"]; ok && raw != nil {
		p, ok := raw.(map[string]any)
		if !ok {
			return &FieldError{Message: "properties must be an object"}
		}
		props = p
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			return &FieldError{Field: name, Message: "property schema must be an object"}
		}
		t, ok := prop["type"].(string)
		if !ok {
			return &FieldError{Field: name, Message: "property type is required"}
		}
		if !knownTypes[t] {
			return &FieldError{Field: name, Message: fmt.Sprintf("unknown type %q", t)}
		}
	}

	required, err := requiredFields(s)
	if err != nil {
		return err
	}
	for _, name := range required {
		if _, ok := props[name]; !ok {
			return &FieldError{Field: name, Message: "required field is not declared in properties"}
		}
	}
	return nil
}

// Validate checks call arguments against a parameter schema. Extra fields are
// allowed; declared fields must match their type.
func Validate(args map[string]any, s map[string]any) error {
	s = Normalize(s)
	required, err := requiredFields(s)
	if err != nil {
		return err
	}
	for _, name := range required {
		if _, ok := args[name]; !ok {
			return &FieldError{Field: name, Message: "required field is missing"}
		}
	}

	props, _ := s["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		expected, _ := prop["type"].(string)
		if !isValidType(value, expected) {
			return &FieldError{Field: name, Message: fmt.Sprintf("expected type %s, got %T", expected, value)}
		}
	}
	return nil
}

// requiredFields accepts both []string (built in Go) and []any (decoded JSON).
func requiredFields(s map[string]any) ([]string, error) {
	switch r := s["required"].(type) {
	case nil:
		return nil, nil
	case []string:
		return r, nil
	case []any:
		out := make([]string, 0, len(r))
		for _, v := range r {
			name, ok := v.(string)
			if !ok {
				return nil, &FieldError{Message: "required entries must be strings"}
			}
			out = append(out, name)
		}
		return out, nil
	default:
		return nil, &FieldError{Message: "required must be a list"}
	}
}

func isValidType(value any, expected string) bool {
	if value == nil {
		return true
	}
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}
