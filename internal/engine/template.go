package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/taskd/internal/errs"
)

// placeholderPattern matches ${dotted.path} references in step inputs.
var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Render resolves every ${path} placeholder in a step-input value against
// the scope. A string that is exactly one placeholder resolves to the
// referenced value with its type preserved; placeholders embedded in a
// longer string are stringified. Unresolvable paths are configuration
// errors: a typo in a pipeline must fail loudly, not inject the literal.
func Render(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			rendered, err := Render(val, scope)
			if err != nil {
				return nil, err
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := Render(val, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderInput renders a whole step-input map.
func RenderInput(input map[string]any, scope map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}
	rendered, err := Render(input, scope)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

func renderString(s string, scope map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string placeholder keeps the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := lookup(s[m[2]:m[3]], scope)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%v", val)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup walks a dotted path through nested maps.
func lookup(path string, scope map[string]any) (any, error) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	var current any = scope
	for i, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, errs.Configurationf("template path %q: %q is not a map", path, strings.Join(parts[:i], "."))
		}
		current, ok = m[part]
		if !ok {
			return nil, errs.Configurationf("template path %q: no value at %q", path, strings.Join(parts[:i+1], "."))
		}
	}
	return current, nil
}
