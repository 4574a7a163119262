package validation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/pkg/schema"
)

func newTestChecker(t *testing.T) *OutputChecker {
	t.Helper()
	sv, err := NewSchemaValidator()
	require.NoError(t, err)
	return NewOutputChecker(sv, expressions.NewExprEngine(), expressions.NewGoJQEngine())
}

var articleSchema = map[string]any{
	"type":     "object",
	"required": []any{"title", "sections"},
	"properties": map[string]any{
		"title":    map[string]any{"type": "string", "minLength": 1},
		"sections": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
}

func TestValidatePipeline(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	good := map[string]any{
		"name": "demo",
		"nodes": []any{
			map[string]any{"name": "step1", "config": map[string]any{"retry_limit": 2, "timeout": "30s"}},
			map[string]any{"name": "approval", "kind": "gate", "after": []any{"step1"},
				"gate": map[string]any{"wait_status": "waiting_approval"}},
		},
	}
	assert.True(t, sv.ValidatePipeline(good).Valid())

	bad := map[string]any{
		"name": "demo",
		"nodes": []any{
			map[string]any{"name": "Step-1", "kind": "loop", "config": map[string]any{"timeout": "soon"}},
		},
	}
	report := sv.ValidatePipeline(bad)
	assert.False(t, report.Valid())
	assert.GreaterOrEqual(t, len(report.Errors), 3)
}

func TestValidateOutput_CachesCompiledSchema(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	ok := sv.ValidateOutput(map[string]any{"title": "x", "sections": []any{"a"}}, articleSchema)
	assert.True(t, ok.Valid())
	bad := sv.ValidateOutput(map[string]any{"sections": []any{1}}, articleSchema)
	assert.False(t, bad.Valid())
	assert.Len(t, sv.cache, 1)

	assert.True(t, sv.ValidateOutput("anything", nil).Valid())
}

func TestOutputChecker_Valid(t *testing.T) {
	c := newTestChecker(t)
	res := &schema.HandlerResult{Result: json.RawMessage(`{"title":"Rivers","sections":["a","b","c"]}`)}
	cfg := schema.StepConfig{OutputSchema: articleSchema, Checks: []string{"len(result.sections) >= 3"}}

	out, err := c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeValid, out.Tag)
	assert.True(t, out.Accepted())
	assert.JSONEq(t, string(res.Result), string(out.Result))
}

func TestOutputChecker_HandlerReportInvalidates(t *testing.T) {
	c := newTestChecker(t)
	report := &schema.ValidationReport{}
	report.AddError("", schema.ErrCodeValidation, "tone is off")
	res := &schema.HandlerResult{Result: json.RawMessage(`{"title":"x","sections":[]}`), Validation: report}

	out, err := c.Check(context.Background(), res, schema.StepConfig{})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
	assert.False(t, out.Accepted())
	assert.Equal(t, []string{"tone is off"}, out.Report.Messages())
}

func TestOutputChecker_HandlerReportIsNotRepairable(t *testing.T) {
	c := newTestChecker(t)
	report := &schema.ValidationReport{}
	report.AddError("", schema.ErrCodeValidation, "tone is off")
	res := &schema.HandlerResult{Result: json.RawMessage(`{"title":"x","sections":[]}`), Validation: report}
	cfg := schema.StepConfig{
		RepairEnabled: true,
		Rename:        map[string]string{"absent": "other"},
	}

	out, err := c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
	assert.False(t, out.Accepted())
	assert.Empty(t, out.Result)
	require.NotNil(t, out.RepairReport)
	assert.Equal(t, []string{"tone is off"}, out.RepairReport.Messages())

	cfg.Repair = `.title = "y"`
	out, err = c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag, "changing the payload does not clear the handler's findings")
}

func TestOutputChecker_RepairedWithRenameAndJQ(t *testing.T) {
	c := newTestChecker(t)
	original := json.RawMessage(`{"headline":"Rivers","sections":null}`)
	res := &schema.HandlerResult{Result: original}
	cfg := schema.StepConfig{
		OutputSchema:  articleSchema,
		RepairEnabled: true,
		Rename:        map[string]string{"headline": "title"},
		Repair:        `.sections //= []`,
	}

	out, err := c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeRepaired, out.Tag)
	assert.JSONEq(t, `{"title":"Rivers","sections":[]}`, string(out.Result))
	assert.JSONEq(t, string(original), string(out.Original))
	assert.Equal(t, `{"headline":"Rivers","sections":null}`, string(res.Result), "handler payload must be untouched")
	assert.False(t, out.Report.Valid())
	assert.True(t, out.RepairReport.Valid())
}

func TestOutputChecker_RepairDisabledStaysInvalid(t *testing.T) {
	c := newTestChecker(t)
	res := &schema.HandlerResult{Result: json.RawMessage(`{"headline":"Rivers"}`)}
	cfg := schema.StepConfig{
		OutputSchema: articleSchema,
		Rename:       map[string]string{"headline": "title"},
	}

	out, err := c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
	assert.Nil(t, out.RepairReport)
}

func TestOutputChecker_RepairRunsOnce(t *testing.T) {
	c := newTestChecker(t)
	res := &schema.HandlerResult{Result: json.RawMessage(`{"title":""}`)}
	cfg := schema.StepConfig{
		OutputSchema:  articleSchema,
		RepairEnabled: true,
		Repair:        `.sections //= []`,
	}

	out, err := c.Check(context.Background(), res, cfg)
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
	require.NotNil(t, out.RepairReport)
	assert.False(t, out.RepairReport.Valid())
}

func TestOutputChecker_FailingCheckAndMalformedJSON(t *testing.T) {
	c := newTestChecker(t)

	out, err := c.Check(context.Background(),
		&schema.HandlerResult{Result: json.RawMessage(`{"sections":["a"]}`)},
		schema.StepConfig{Checks: []string{"len(result.sections) >= 3"}})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
	assert.Contains(t, out.Report.Messages()[0], "check failed")

	out, err = c.Check(context.Background(), &schema.HandlerResult{Result: json.RawMessage(`{`)}, schema.StepConfig{})
	require.NoError(t, err)
	assert.Equal(t, schema.OutcomeInvalid, out.Tag)
}
