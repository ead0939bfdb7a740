package tools

import (
	"fmt"
	"math"

	"drover/internal/apperr"
)

func textContent(format string, args ...any) Content {
	return Content{Type: "text", Text: fmt.Sprintf(format, args...)}
}

// Argument getters. Schema validation runs before dispatch, so type
// mismatches here mean the schema and the handler disagree; missing required
// fields cannot reach them. Optional getters return the default on absence.

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", apperr.New(apperr.KindBadInput, "missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.New(apperr.KindBadInput, "field %q must be a string", key)
	}
	return s, nil
}

func optString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func optBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func optInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case int:
		return v
	}
	return def
}

func optFloat(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, apperr.New(apperr.KindBadInput, "missing required field %q", key)
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, apperr.New(apperr.KindBadInput, "field %q must be an integer", key)
		}
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, apperr.New(apperr.KindBadInput, "field %q must be an integer", key)
}

func floatArg(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, apperr.New(apperr.KindBadInput, "missing required field %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, apperr.New(apperr.KindBadInput, "field %q must be a number", key)
}

func stringSlice(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
