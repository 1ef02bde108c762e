package transform

import (
	"strconv"

	"github.com/lychee-technology/formsync"
)

// Guarded accessors. Offline data is often partially filled, so every read from an
// external object goes through one of these with an explicit default.

// String returns m[key] as a string, or def when missing, nil or not scalar.
func String(m map[string]any, key, def string) string {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case string:
		if v == "" {
			return def
		}
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return def
	}
}

// Map returns m[key] as an object, or an empty map.
func Map(m map[string]any, key string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	if v, ok := m[key].(map[string]any); ok && v != nil {
		return v
	}
	return map[string]any{}
}

// Slice returns m[key] as an array, or an empty slice.
func Slice(m map[string]any, key string) []any {
	if m == nil {
		return []any{}
	}
	switch v := m[key].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	return []any{}
}

// StringSlice returns the string elements of m[key], skipping anything else.
func StringSlice(m map[string]any, key string) []string {
	items := Slice(m, key)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Bool returns m[key] as a bool, or def.
func Bool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// Objects returns the object elements of m[key], skipping anything else.
func Objects(m map[string]any, key string) []map[string]any {
	items := Slice(m, key)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, obj)
		}
	}
	return out
}

// AccessRules parses [{type, roles: [...]}] entries.
func AccessRules(m map[string]any, key string) []formsync.AccessRule {
	objs := Objects(m, key)
	rules := make([]formsync.AccessRule, 0, len(objs))
	for _, obj := range objs {
		ruleType := String(obj, "type", "")
		if ruleType == "" {
			continue
		}
		rules = append(rules, formsync.AccessRule{Type: ruleType, Roles: StringSlice(obj, "roles")})
	}
	return rules
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
