package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/runengine/pkg/schema"
)

// Engine evaluates expressions declared in the pipeline definition.
// Three implementations: CEL (gate conditions), GoJQ (repair transforms), Expr (output checks).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvaluateBool evaluates an expression that must produce a boolean.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %s, want bool", e.Name(), expression, fmt.Sprintf("%T", out))
	}
	return b, nil
}
