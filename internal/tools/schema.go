package tools

// Schema builders. Tool input schemas are plain JSON-schema documents
// expressed as Go maps; the registry compiles them once at boot.

func objectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func enumProp(description string, values ...string) map[string]any {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return map[string]any{"type": "string", "description": description, "enum": vals}
}

func boolProp(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func intProp(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func numberProp(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

func arrayProp(description string, items map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}

// elementProps are the shared (element, ref) fields of every ref-taking tool.
// element is free-form prose for the audit trail; ref is the snapshot key.
func elementProps(extra map[string]any) map[string]any {
	props := map[string]any{
		"element": stringProp("Human-readable element description, e.g. \"Sign-in button\""),
		"ref":     stringProp("Element reference from the current snapshot, e.g. \"ref-12\""),
	}
	for k, v := range extra {
		props[k] = v
	}
	return props
}
