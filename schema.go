package warden

import (
	"fmt"
	"math"
	"strings"
)

// Schema is a declarative value shape used to validate tool inputs and
// outputs. A nil *Schema accepts anything.
type Schema struct {
	// Type is one of "object", "array", "string", "number", "integer",
	// "boolean", or "any".
	Type string `json:"type"`
	// Properties declares per-key schemas for object values. Keys not
	// listed here are allowed and unvalidated.
	Properties map[string]*Schema `json:"properties,omitempty"`
	// Required lists object keys that must be present.
	Required []string `json:"required,omitempty"`
	// Items validates every element of an array value.
	Items *Schema `json:"items,omitempty"`
	// Enum restricts the value to one of the listed candidates, compared
	// by deep structural equality.
	Enum []any `json:"enum,omitempty"`
}

// Object is a shorthand constructor for an object schema.
func Object(props map[string]*Schema, required ...string) *Schema {
	return &Schema{Type: "object", Properties: props, Required: required}
}

// StringSchema returns a string schema.
func StringSchema() *Schema { return &Schema{Type: "string"} }

// NumberSchema returns a number schema.
func NumberSchema() *Schema { return &Schema{Type: "number"} }

// IntegerSchema returns an integer schema.
func IntegerSchema() *Schema { return &Schema{Type: "integer"} }

// BooleanSchema returns a boolean schema.
func BooleanSchema() *Schema { return &Schema{Type: "boolean"} }

// ArraySchema returns an array schema over the given element schema.
func ArraySchema(items *Schema) *Schema { return &Schema{Type: "array", Items: items} }

// Validate checks v against the schema, returning a path-annotated error
// on the first mismatch.
func (s *Schema) Validate(v any) error {
	if s == nil {
		return nil
	}
	return s.validate(v, "$")
}

func (s *Schema) validate(v any, path string) error {
	if len(s.Enum) > 0 {
		for _, cand := range s.Enum {
			if deepEqual(v, cand) {
				return nil
			}
		}
		return fmt.Errorf("%s: value not in enum", path)
	}

	switch s.Type {
	case "", "any":
		return nil
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: expected string, got %s", path, typeName(v))
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: expected boolean, got %s", path, typeName(v))
		}
	case "number":
		if _, ok := asNumber(v); !ok {
			return fmt.Errorf("%s: expected number, got %s", path, typeName(v))
		}
	case "integer":
		f, ok := asNumber(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("%s: expected integer, got %s", path, typeName(v))
		}
	case "object":
		m, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object, got %s", path, typeName(v))
		}
		for _, req := range s.Required {
			if _, has := m[req]; !has {
				return fmt.Errorf("%s: missing required key %q", path, req)
			}
		}
		for key, sub := range s.Properties {
			val, has := m[key]
			if !has {
				continue
			}
			if err := sub.validate(val, path+"."+key); err != nil {
				return err
			}
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array, got %s", path, typeName(v))
		}
		if s.Items != nil {
			for i, item := range items {
				if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("%s: unknown schema type %q", path, s.Type)
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		if _, ok := asNumber(v); ok {
			return "number"
		}
		return strings.TrimPrefix(fmt.Sprintf("%T", v), "*")
	}
}
