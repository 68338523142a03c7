package pipeline

import (
	"fmt"
	"strings"
)

// Fielder exposes named sub-fields to path templates. request.Context
// implements it so templates can write {ctx.account}.
type Fielder interface {
	TemplateField(name string) (string, bool)
}

// Interpolate expands a path template against vars. Placeholders are
// {var} or {var.field}; a template's expansion must be deterministic in
// vars because the expanded path is the cache identity of the artifact.
func Interpolate(template string, vars Vars) (string, error) {
	var b strings.Builder
	rest := template
	for {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		j := strings.IndexByte(rest[i:], '}')
		if j < 0 {
			return "", fmt.Errorf("unterminated placeholder in template %q", template)
		}
		name := rest[i+1 : i+j]
		val, err := lookupVar(vars, name)
		if err != nil {
			return "", fmt.Errorf("template %q: %w", template, err)
		}
		b.WriteString(val)
		rest = rest[i+j+1:]
	}
}

func lookupVar(vars Vars, name string) (string, error) {
	key, field, hasField := strings.Cut(name, ".")
	v, ok := vars[key]
	if !ok {
		return "", fmt.Errorf("unknown variable %q", key)
	}
	if hasField {
		f, ok := v.(Fielder)
		if !ok {
			return "", fmt.Errorf("variable %q has no fields", key)
		}
		s, ok := f.TemplateField(field)
		if !ok {
			return "", fmt.Errorf("variable %q has no field %q", key, field)
		}
		return s, nil
	}
	return stringify(v)
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case fmt.Stringer:
		return x.String(), nil
	case int:
		return fmt.Sprintf("%d", x), nil
	case int64:
		return fmt.Sprintf("%d", x), nil
	default:
		return "", fmt.Errorf("value of type %T cannot appear in a path", v)
	}
}
