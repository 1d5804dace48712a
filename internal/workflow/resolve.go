package workflow

import (
	"strings"
)

// ResolveInput maps each declared input field to either its literal value or,
// for "$name" references, the current value of that run variable. Unresolved
// references yield nil rather than an error.
func ResolveInput(declared map[string]any, variables map[string]any) map[string]any {
	resolved := make(map[string]any, len(declared))
	for field, raw := range declared {
		resolved[field] = resolveValue(raw, variables)
	}
	return resolved
}

func resolveValue(raw any, variables map[string]any) any {
	ref, ok := raw.(string)
	if !ok || !strings.HasPrefix(ref, "$") {
		return raw
	}
	return variables[ref[1:]]
}

// LookupPath walks a dotted path ("a.b.c") through nested maps, reporting
// whether every segment was present. A missing or non-map segment yields
// (nil, false); it never panics.
func LookupPath(tree map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = tree
	for _, segment := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
