package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/pkg/schema"
)

// Outcome is the tagged result of validating (and possibly repairing) a step output.
type Outcome struct {
	Tag schema.ValidationOutcome `json:"tag"`
	// Result is the accepted payload: the original when valid, the repaired copy when repaired.
	Result json.RawMessage `json:"result,omitempty"`
	// Original is the payload exactly as the handler returned it.
	Original json.RawMessage `json:"original,omitempty"`
	// Report lists the issues found in the original payload.
	Report *schema.ValidationReport `json:"report,omitempty"`
	// RepairReport lists the issues left after repair, when a repair ran.
	RepairReport *schema.ValidationReport `json:"repair_report,omitempty"`
}

// Accepted reports whether the outcome may be persisted as step output.
func (o *Outcome) Accepted() bool {
	return o.Tag == schema.OutcomeValid || o.Tag == schema.OutcomeRepaired
}

// OutputChecker runs the two-stage validate/repair pipeline over handler output:
// the handler's own report, the step's output schema and its expr checks;
// then, if enabled, one deterministic repair (field renames and a jq filter)
// followed by exactly one re-validation. Errors the handler reported are not
// repairable.
type OutputChecker struct {
	schemas *SchemaValidator
	checks  *expressions.ExprEngine
	repairs *expressions.GoJQEngine
}

// NewOutputChecker builds a checker from its engines.
func NewOutputChecker(schemas *SchemaValidator, checks *expressions.ExprEngine, repairs *expressions.GoJQEngine) *OutputChecker {
	return &OutputChecker{schemas: schemas, checks: checks, repairs: repairs}
}

// Check validates res against cfg. The handler's payload is never mutated.
func (c *OutputChecker) Check(ctx context.Context, res *schema.HandlerResult, cfg schema.StepConfig) (*Outcome, error) {
	if res == nil {
		res = &schema.HandlerResult{}
	}
	original := res.Result

	value, err := decodePayload(original)
	if err != nil {
		report := &schema.ValidationReport{}
		report.AddError("/", schema.ErrCodeValidation, "result is not valid JSON: "+err.Error())
		return &Outcome{Tag: schema.OutcomeInvalid, Original: original, Report: report}, nil
	}

	report := &schema.ValidationReport{}
	report.Merge(res.Validation)
	report.Merge(c.validateValue(ctx, value, cfg))

	if report.Valid() {
		return &Outcome{Tag: schema.OutcomeValid, Result: original, Original: original, Report: report}, nil
	}

	out := &Outcome{Tag: schema.OutcomeInvalid, Original: original, Report: report}
	if !cfg.RepairEnabled || (cfg.Repair == "" && len(cfg.Rename) == 0) {
		return out, nil
	}

	// Decode again so the repair works on its own copy.
	working, err := decodePayload(original)
	if err != nil {
		return out, nil
	}
	repaired, err := c.repair(ctx, working, cfg)
	if err != nil {
		rr := &schema.ValidationReport{}
		rr.AddError("/", schema.ErrCodeValidation, "repair failed: "+err.Error())
		out.RepairReport = rr
		return out, nil
	}

	// The handler cannot re-judge the repaired copy, so its own findings stand.
	out.RepairReport = &schema.ValidationReport{}
	out.RepairReport.Merge(res.Validation)
	out.RepairReport.Merge(c.validateValue(ctx, repaired, cfg))
	if !out.RepairReport.Valid() {
		return out, nil
	}

	data, err := json.Marshal(repaired)
	if err != nil {
		return nil, fmt.Errorf("marshal repaired output: %w", err)
	}
	out.Tag = schema.OutcomeRepaired
	out.Result = data
	return out, nil
}

func (c *OutputChecker) validateValue(ctx context.Context, value any, cfg schema.StepConfig) *schema.ValidationReport {
	report := c.schemas.ValidateOutput(value, cfg.OutputSchema)

	env := map[string]any{"result": value, "params": cfg.Params}
	for i, check := range cfg.Checks {
		ok, err := expressions.EvaluateBool(ctx, c.checks, check, env)
		path := fmt.Sprintf("checks[%d]", i)
		if err != nil {
			report.AddError(path, schema.ErrCodeExpression, err.Error())
			continue
		}
		if !ok {
			report.AddError(path, schema.ErrCodeValidation, "check failed: "+check)
		}
	}
	return report
}

func (c *OutputChecker) repair(ctx context.Context, value any, cfg schema.StepConfig) (any, error) {
	if obj, ok := value.(map[string]any); ok && len(cfg.Rename) > 0 {
		for from, to := range cfg.Rename {
			v, exists := obj[from]
			if !exists {
				continue
			}
			if _, taken := obj[to]; !taken {
				obj[to] = v
			}
			delete(obj, from)
		}
		value = obj
	}
	if cfg.Repair == "" {
		return value, nil
	}
	return c.repairs.Transform(ctx, cfg.Repair, value)
}

func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
