package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/maestro/pkg/schema"
)

const (
	placeholderOpen  = "${{"
	placeholderClose = "}}"
)

// segment is either literal text or a ${{ }} expression.
type segment struct {
	text string
	expr string
}

// Template is a parsed prompt template.
type Template struct {
	raw      string
	segments []segment
}

// Expressions returns the placeholder expressions in order of appearance.
func (t *Template) Expressions() []string {
	var out []string
	for _, s := range t.segments {
		if s.expr != "" {
			out = append(out, s.expr)
		}
	}
	return out
}

// Static reports whether the template has no placeholders.
func (t *Template) Static() bool {
	return len(t.Expressions()) == 0
}

// ParseTemplate splits raw into literal text and ${{ }} placeholders.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}

	i := 0
	for i < len(raw) {
		idx := strings.Index(raw[i:], placeholderOpen)
		if idx == -1 {
			t.segments = append(t.segments, segment{text: raw[i:]})
			break
		}
		if idx > 0 {
			t.segments = append(t.segments, segment{text: raw[i : i+idx]})
		}
		start := i + idx + len(placeholderOpen)

		end := strings.Index(raw[start:], placeholderClose)
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ placeholder").
				WithDetails(map[string]any{"offset": i + idx})
		}
		end += start

		expr := strings.TrimSpace(raw[start:end])
		if strings.Contains(expr, placeholderOpen) {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"nested placeholder not allowed: ${{...}} cannot contain ${{").
				WithDetails(map[string]any{"offset": i + idx})
		}
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty placeholder: ${{  }}").
				WithDetails(map[string]any{"offset": i + idx})
		}
		t.segments = append(t.segments, segment{expr: expr})

		i = end + len(placeholderClose)
	}
	return t, nil
}

// TemplateRenderer renders prompt templates with the Expr engine.
// Parsed templates are cached by their raw text.
type TemplateRenderer struct {
	exprs *ExprEngine

	mu    sync.RWMutex
	cache map[string]*Template
}

// NewTemplateRenderer creates a renderer. A nil engine gets a fresh ExprEngine.
func NewTemplateRenderer(exprs *ExprEngine) *TemplateRenderer {
	if exprs == nil {
		exprs = NewExprEngine()
	}
	return &TemplateRenderer{
		exprs: exprs,
		cache: make(map[string]*Template),
	}
}

// Check parses raw and compiles every placeholder without evaluating it.
func (r *TemplateRenderer) Check(raw string) error {
	t, err := r.parse(raw)
	if err != nil {
		return err
	}
	for _, expr := range t.Expressions() {
		if _, err := r.exprs.Compile(expr); err != nil {
			return err
		}
	}
	return nil
}

// Render evaluates every placeholder against scope and returns the prompt text.
func (r *TemplateRenderer) Render(ctx context.Context, raw string, scope map[string]any) (string, error) {
	t, err := r.parse(raw)
	if err != nil {
		return "", err
	}
	if t.Static() {
		return raw, nil
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, s := range t.segments {
		if s.expr == "" {
			b.WriteString(s.text)
			continue
		}
		val, err := r.exprs.Evaluate(ctx, s.expr, scope)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTemplate,
				"render ${{ %s }}: %s", s.expr, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": s.expr})
		}
		b.WriteString(formatValue(val))
	}
	return b.String(), nil
}

func (r *TemplateRenderer) parse(raw string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.cache[raw]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := ParseTemplate(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[raw] = t
	r.mu.Unlock()
	return t, nil
}

// formatValue converts an evaluated value into prompt text. Strings are
// embedded as is, nil renders empty, composite values as compact JSON.
func formatValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
