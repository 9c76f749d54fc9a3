package mapping

import "strings"

// RawEvent is one vendor document as decoded from the upstream API.
type RawEvent map[string]any

// Document is one canonical (ECS-like) event.
type Document map[string]any

// Lookup resolves a dotted path through nested mappings.
// Params: root decoded JSON mapping; path dot-separated field reference.
// Returns: value and true when every segment exists; false when a segment is
// missing or an intermediate value is not a mapping. A present JSON null is
// reported as (nil, true).
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}

	current := root
	segments := strings.Split(path, ".")
	for idx, segment := range segments {
		value, ok := current[segment]
		if !ok {
			return nil, false
		}
		if idx == len(segments)-1 {
			return value, true
		}
		next, ok := asMap(value)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// Get resolves a dotted path on the canonical document.
// Params: path dot-separated canonical field.
// Returns: value and presence flag (see Lookup).
func (d Document) Get(path string) (any, bool) {
	return Lookup(d, path)
}

// setPath writes value at a dotted path, creating intermediate mappings.
// An existing non-mapping intermediate is left untouched and the write is skipped.
func setPath(root map[string]any, path string, value any) bool {
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return false
		}
	}

	current := root
	for _, segment := range segments[:len(segments)-1] {
		existing, ok := current[segment]
		if !ok {
			next := make(map[string]any)
			current[segment] = next
			current = next
			continue
		}
		next, ok := asMap(existing)
		if !ok {
			return false
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
	return true
}

// forcePath writes value at a dotted path, replacing any non-mapping intermediate.
// Returns false only for paths with empty segments.
func forcePath(root map[string]any, path string, value any) bool {
	segments := strings.Split(path, ".")
	for _, segment := range segments {
		if segment == "" {
			return false
		}
	}

	current := root
	for _, segment := range segments[:len(segments)-1] {
		next, ok := asMap(current[segment])
		if !ok {
			next = make(map[string]any)
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
	return true
}

func asMap(value any) (map[string]any, bool) {
	switch typed := value.(type) {
	case map[string]any:
		return typed, true
	case RawEvent:
		return typed, true
	case Document:
		return typed, true
	default:
		return nil, false
	}
}

// cloneValue deep-copies mappings and sequences so canonical writes never alias raw input.
func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = cloneValue(item)
		}
		return out
	case RawEvent:
		return cloneValue(map[string]any(typed))
	case []any:
		out := make([]any, len(typed))
		for idx, item := range typed {
			out[idx] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

func isSequence(value any) bool {
	switch value.(type) {
	case []any, []string, []map[string]any:
		return true
	default:
		return false
	}
}

// isEmpty reports values treated as missing for conditional groups.
// Zero numbers and false are values.
func isEmpty(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case []string:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	case RawEvent:
		return len(typed) == 0
	default:
		return false
	}
}
