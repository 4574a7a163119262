package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/pkg/schema"
)

func TestCEL_GateCondition(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"armed", map[string]any{"config": map[string]any{"step1_approval": true}}, true},
		{"disarmed", map[string]any{"config": map[string]any{"step1_approval": false}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateBool(ctx, e, "config.step1_approval == true", tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingVariablesDefaultToEmptyMaps(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	got, err := EvaluateBool(context.Background(), e, `has(input.topic)`, nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCEL_CompileErrorIsValidation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	err = e.Check("config.step1_approval ==")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestEvaluateBool_NonBoolResult(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = EvaluateBool(context.Background(), e, "1 + 2", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestExpr_OutputChecks(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"result": map[string]any{
			"title":    "Rivers",
			"sections": []any{"a", "b", "c"},
		},
	}

	ok, err := EvaluateBool(ctx, e, `len(result.sections) >= 3`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool(ctx, e, `result.title != "" && len(result.sections) > 5`, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `len(`, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestExpr_ConcurrentEvaluation(t *testing.T) {
	e := NewExprEngine()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n * 2", map[string]any{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, i*2, out)
		}(i)
	}
	wg.Wait()
}

func TestGoJQ_TransformRepairsPayload(t *testing.T) {
	e := NewGoJQEngine()
	in := map[string]any{"title": nil, "tags": nil, "count": 2}

	out, err := e.Transform(context.Background(), `.title //= "Untitled" | .tags //= []`, in)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Untitled", m["title"])
	assert.Equal(t, []any{}, m["tags"])
	assert.Equal(t, float64(2), m["count"])
	assert.Nil(t, in["title"], "input must not be mutated")
}

func TestGoJQ_EvaluateMultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.items[]`, map[string]any{"items": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	_, err = e.Transform(context.Background(), `empty`, map[string]any{})
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestGoJQ_ParseErrorAndEnvSandbox(t *testing.T) {
	e := NewGoJQEngine()
	assert.Error(t, e.Check(`.a |`))

	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
