package expressions

import "context"

// Engine evaluates expressions against a data map.
// Three implementations: Expr (prompt templates), GoJQ (output transforms),
// CEL (error classification rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
