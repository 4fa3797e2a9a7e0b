package airunner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Schema validates raw model output and produces the typed value handlers
// consume.
type Schema interface {
	Validate(raw string) (map[string]interface{}, error)
}

// FieldType constrains an ObjectSchema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "boolean"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
)

// ObjectSchema validates that the output is a JSON object with the required
// fields present and correctly typed. Optional fields are type-checked when
// present.
type ObjectSchema struct {
	Required map[string]FieldType
	Optional map[string]FieldType
}

// ValidationError describes exactly what the model got wrong, keeping the
// broken output so the self-healing retry can show it back to the model.
type ValidationError struct {
	Field  string // offending field, empty when the whole output failed
	Reason string
	Input  string // the broken raw output
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema validation failed: field %q %s", e.Field, e.Reason)
	}
	return "schema validation failed: " + e.Reason
}

var jsonFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// ExtractJSON pulls the first JSON object out of model output, tolerating
// markdown code fences and prose around it.
func ExtractJSON(raw string) string {
	if m := jsonFenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return strings.TrimSpace(raw)
	}
	open := raw[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == open:
			depth++
		case !inString && ch == close:
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return strings.TrimSpace(raw[start:])
}

// Validate implements Schema.
func (s *ObjectSchema) Validate(raw string) (map[string]interface{}, error) {
	extracted := ExtractJSON(raw)
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(extracted), &obj); err != nil {
		return nil, &ValidationError{Reason: "output is not valid JSON: " + err.Error(), Input: raw}
	}
	for field, ft := range s.Required {
		v, ok := obj[field]
		if !ok || v == nil {
			return nil, &ValidationError{Field: field, Reason: "is required but missing", Input: raw}
		}
		if !typeMatches(v, ft) {
			return nil, &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("expected type %s, got %T", ft, v),
				Input:  raw,
			}
		}
	}
	for field, ft := range s.Optional {
		if v, ok := obj[field]; ok && v != nil && !typeMatches(v, ft) {
			return nil, &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("expected type %s, got %T", ft, v),
				Input:  raw,
			}
		}
	}
	return obj, nil
}

func typeMatches(v interface{}, ft FieldType) bool {
	switch ft {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		_, ok := v.(float64)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]interface{})
		return ok
	case FieldArray:
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
