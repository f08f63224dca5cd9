package runtime

import (
	"fmt"

	"github.com/google/uuid"
)

// Param extraction helpers. Params travel as a JSON object, so numbers
// arrive as float64; the int helpers accept the usual decoded shapes.
// Missing or wrongly typed required params wrap ErrParameter so the
// runtime classifies the failure as a ParameterError.

func StringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing param %q", ErrParameter, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: param %q: expected string, got %T", ErrParameter, key, v)
	}
	return s, nil
}

func OptionalString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func IntParam(params map[string]any, key string) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing param %q", ErrParameter, key)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("%w: param %q: expected integer, got %T", ErrParameter, key, v)
	}
	return n, nil
}

func OptionalInt(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

func OptionalInt64(params map[string]any, key string, def int64) int64 {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return def
}

func OptionalBool(params map[string]any, key string, def bool) bool {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func UUIDParam(params map[string]any, key string) (uuid.UUID, error) {
	s, err := StringParam(params, key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: param %q: %v", ErrParameter, key, err)
	}
	return id, nil
}

// MapParam returns a nested object param, or an empty map when absent.
func MapParam(params map[string]any, key string) (map[string]any, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: param %q: expected object, got %T", ErrParameter, key, v)
	}
	return m, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
