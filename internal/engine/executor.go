package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/runengine/internal/artifact"
	"github.com/rendis/runengine/internal/handlers"
	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

const instrumentationName = "github.com/rendis/runengine/internal/engine"

// outputArtifactType is the artifact holding a step's accepted result.
const outputArtifactType = "output"

// StepRequest describes one step to drive to a terminal status.
type StepRequest struct {
	Run    *store.Run
	Step   string
	Inputs []schema.InputArtifact
	Config schema.StepConfig
}

// StepOutcome reports how a step execution ended.
type StepOutcome struct {
	Step    *store.Step
	Attempt *store.Attempt
	// Result is the accepted (possibly repaired) payload when the step completed.
	Result    json.RawMessage
	Artifacts []*store.Artifact
	// Err is the error of the final failed attempt.
	Err error
	// Interrupted is set when the drive context ended or another writer moved
	// the step; nothing past the interruption was recorded as step state.
	Interrupted bool
}

// Completed reports whether the step ended completed.
func (o *StepOutcome) Completed() bool {
	return o != nil && o.Step != nil && o.Step.Status == schema.StepStatusCompleted
}

// Executor runs attempts of a single step: it invokes the registered handler
// under the step timeout, validates the reply, persists artifacts and retries
// retryable failures with the identical configuration.
type Executor struct {
	store     store.Store
	events    *store.EventLog
	steps     *StepFSM
	artifacts *artifact.Store
	handlers  handlers.Lookup
	checker   *validation.OutputChecker
	defaults  Defaults
	progress  *progress
	logger    *slog.Logger

	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
	retries    metric.Int64Counter
}

func newExecutor(s store.Store, events *store.EventLog, steps *StepFSM, arts *artifact.Store,
	h handlers.Lookup, checker *validation.OutputChecker, d Defaults, p *progress, logger *slog.Logger,
) *Executor {
	meter := otel.Meter(instrumentationName)
	executions, _ := meter.Int64Counter("runengine.attempt.executions",
		metric.WithDescription("Total number of step attempts"),
		metric.WithUnit("{attempt}"))
	duration, _ := meter.Float64Histogram("runengine.attempt.duration",
		metric.WithDescription("Duration of step attempts in seconds"),
		metric.WithUnit("s"))
	retries, _ := meter.Int64Counter("runengine.step.retries",
		metric.WithDescription("Retries scheduled after retryable failures"),
		metric.WithUnit("{retry}"))

	return &Executor{
		store:      s,
		events:     events,
		steps:      steps,
		artifacts:  arts,
		handlers:   h,
		checker:    checker,
		defaults:   d,
		progress:   p,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		executions: executions,
		duration:   duration,
		retries:    retries,
	}
}

// Execute drives the step named in req until it completes, fails, or is
// interrupted. The returned error is reserved for storage failures; step
// failures are reported through the outcome.
func (x *Executor) Execute(ctx context.Context, req StepRequest) (*StepOutcome, error) {
	run := req.Run
	ctx = logging.WithStepName(logging.WithRun(ctx, run.TenantID, run.ID), req.Step)
	log := logging.LogWith(ctx, x.logger)

	row, err := x.ensureStep(ctx, run.ID, req.Step)
	if err != nil {
		return nil, err
	}

	switch row.Status {
	case schema.StepStatusPending:
		if err := x.steps.Transition(ctx, run.ID, row, schema.StepStatusRunning, StepChange{ActiveRun: true}); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				return &StepOutcome{Step: row, Interrupted: true}, nil
			}
			return nil, err
		}
		x.progress.publish(ctx, run, schema.ProgressStepStarted, req.Step, "")
	case schema.StepStatusRunning:
		log.InfoContext(ctx, "adopting running step")
	default:
		return &StepOutcome{Step: row}, nil
	}

	policy := PolicyFor(req.Config, x.defaults)
	inputDigest := artifact.InputDigest(req.Inputs, req.Config)

	for {
		att, err := x.openAttempt(ctx, run.ID, row, inputDigest)
		if err != nil {
			return nil, err
		}

		started := time.Now()
		res, herr := x.invoke(ctx, run, row, att, req)
		elapsed := time.Since(started)

		if ctx.Err() != nil {
			x.discard(ctx, run.ID, row, att, "drive context ended")
			return &StepOutcome{Step: row, Attempt: att, Interrupted: true}, nil
		}

		var checked *validation.Outcome
		if herr == nil {
			checked, herr = x.check(ctx, row, res, req.Config)
		}
		if herr == nil {
			x.record(ctx, row.Name, "ok", elapsed)
			return x.complete(ctx, run, row, att, res, checked, elapsed)
		}

		category := Classify(herr)
		x.record(ctx, row.Name, string(category), elapsed)
		if err := x.fail(ctx, run.ID, row, att, category, herr, elapsed); err != nil {
			return nil, err
		}

		if category == schema.CategoryRetryable && row.RetryCount < policy.Limit {
			err := x.steps.RecordRetry(ctx, run.ID, row, map[string]any{
				"attempt": att.AttemptNum,
				"reason":  herr.Error(),
			})
			if err != nil {
				if schema.IsCode(err, schema.ErrCodeConflict) {
					return &StepOutcome{Step: row, Attempt: att, Interrupted: true}, nil
				}
				return nil, err
			}
			x.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", row.Name)))
			delay := policy.ComputeBackoff(row.RetryCount)
			log.InfoContext(ctx, "retrying step", "retry", row.RetryCount, "limit", policy.Limit, "delay", delay, "error", herr)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return &StepOutcome{Step: row, Attempt: att, Interrupted: true}, nil
			}
			continue
		}

		code := failureCode(category, herr)
		err = x.steps.Transition(ctx, run.ID, row, schema.StepStatusFailed, StepChange{
			ActiveRun:    true,
			ErrorCode:    code,
			ErrorMessage: herr.Error(),
			Payload:      map[string]any{"attempt": att.AttemptNum, "error_category": string(category)},
		})
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				return &StepOutcome{Step: row, Attempt: att, Interrupted: true}, nil
			}
			return nil, err
		}
		log.WarnContext(ctx, "step failed", "code", code, "attempts", att.AttemptNum, "error", herr)
		x.progress.publish(ctx, run, schema.ProgressStepFailed, row.Name, herr.Error())
		return &StepOutcome{Step: row, Attempt: att, Err: herr}, nil
	}
}

// ensureStep returns the step row, creating it pending when absent. A
// concurrent creation is resolved by reading the winner's row.
func (x *Executor) ensureStep(ctx context.Context, runID, name string) (*store.Step, error) {
	row, err := x.store.GetStep(ctx, runID, name)
	if err == nil {
		return row, nil
	}
	if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	row = &store.Step{ID: uuid.New().String(), RunID: runID, Name: name, Status: schema.StepStatusPending}
	if err := x.store.CreateStep(ctx, row); err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return x.store.GetStep(ctx, runID, name)
		}
		return nil, err
	}
	return row, nil
}

// openAttempt creates the next attempt row. Attempts left running by a
// crashed process are discarded first.
func (x *Executor) openAttempt(ctx context.Context, runID string, row *store.Step, inputDigest string) (*store.Attempt, error) {
	prior, err := x.store.ListAttempts(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, a := range prior {
		if a.Status == schema.AttemptStatusRunning {
			x.discard(ctx, runID, row, a, "orphaned attempt")
		}
		if a.AttemptNum >= next {
			next = a.AttemptNum + 1
		}
	}

	att := &store.Attempt{
		ID:          uuid.New().String(),
		StepID:      row.ID,
		AttemptNum:  next,
		Status:      schema.AttemptStatusRunning,
		InputDigest: inputDigest,
		StartedAt:   time.Now().UTC(),
	}
	if err := x.store.CreateAttempt(ctx, att); err != nil {
		return nil, err
	}
	x.emit(ctx, runID, row.Name, schema.EventAttemptStarted, map[string]any{
		"attempt":      att.AttemptNum,
		"attempt_id":   att.ID,
		"input_digest": inputDigest,
	})
	return att, nil
}

// invoke calls the handler under the step timeout inside a span.
func (x *Executor) invoke(ctx context.Context, run *store.Run, row *store.Step, att *store.Attempt, req StepRequest) (res *schema.HandlerResult, err error) {
	policy := PolicyFor(req.Config, x.defaults)
	actx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	actx, span := x.tracer.Start(actx, "runengine.attempt.execute",
		trace.WithAttributes(
			attribute.String("runengine.run_id", run.ID),
			attribute.String("runengine.step", row.Name),
			attribute.String("runengine.handler", req.Config.Handler),
			attribute.Int("runengine.attempt", att.AttemptNum),
			attribute.Int("runengine.retry_count", row.RetryCount),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	h, err := x.handlers.Get(req.Config.Handler)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = nil, schema.NonRetryable(schema.SourceActivity, "panic", fmt.Sprintf("handler panic: %v", r))
		}
	}()

	res, err = h.Execute(actx, schema.HandlerInput{
		RunID:    run.ID,
		TenantID: run.TenantID,
		Step:     row.Name,
		Attempt:  att.AttemptNum,
		Inputs:   req.Inputs,
		Config:   req.Config,
		RunInput: run.Input,
	})
	if err == nil && actx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("step %s exceeded timeout %s: %w", row.Name, policy.Timeout, context.DeadlineExceeded)
	}
	return res, err
}

// check runs the validate/repair pipeline. An unaccepted outcome becomes a
// VALIDATION_FAILED error.
func (x *Executor) check(ctx context.Context, row *store.Step, res *schema.HandlerResult, cfg schema.StepConfig) (*validation.Outcome, error) {
	out, err := x.checker.Check(ctx, res, cfg)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "check output: %s", err.Error()).
			WithStep(row.Name).WithCause(err)
	}
	if out.Accepted() {
		return out, nil
	}
	msgs := out.Report.Messages()
	if out.RepairReport != nil && !out.RepairReport.Valid() {
		msgs = append(msgs, out.RepairReport.Messages()...)
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidationFailed, "output rejected: %s", strings.Join(msgs, "; ")).
		WithStep(row.Name).
		WithDetails(map[string]any{"report": out.Report, "repair_report": out.RepairReport})
}

// complete persists the accepted output, then moves the step to completed and
// closes the attempt. When the step already left running or the run was
// cancelled meanwhile, the attempt is discarded instead.
func (x *Executor) complete(ctx context.Context, run *store.Run, row *store.Step, att *store.Attempt,
	res *schema.HandlerResult, checked *validation.Outcome, elapsed time.Duration,
) (*StepOutcome, error) {
	var arts []*store.Artifact
	if len(checked.Result) > 0 {
		a, err := x.artifacts.Put(ctx, artifact.PutRequest{
			RunID:       run.ID,
			StepID:      row.ID,
			AttemptID:   att.ID,
			Type:        outputArtifactType,
			ContentType: "application/json",
			Content:     checked.Result,
			Metadata:    map[string]any{"outcome": string(checked.Tag)},
		})
		if err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}
	if res == nil {
		res = &schema.HandlerResult{}
	}
	for _, oa := range res.Artifacts {
		a, err := x.artifacts.Put(ctx, artifact.PutRequest{
			RunID:       run.ID,
			StepID:      row.ID,
			AttemptID:   att.ID,
			Type:        oa.Type,
			ContentType: oa.ContentType,
			Content:     oa.Content,
			Metadata:    oa.Metadata,
		})
		if err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}

	outputDigest := artifact.Digest(checked.Result)
	err := x.steps.Transition(ctx, run.ID, row, schema.StepStatusCompleted, StepChange{
		ActiveRun: true,
		Payload:   map[string]any{"attempt": att.AttemptNum, "output_digest": outputDigest, "outcome": string(checked.Tag)},
	})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			x.discard(ctx, run.ID, row, att, "step left running")
			return &StepOutcome{Step: row, Attempt: att, Interrupted: true}, nil
		}
		return nil, err
	}

	metrics := attemptMetrics(elapsed, checked)
	if err := x.store.FinishAttempt(ctx, att.ID, store.AttemptResult{
		Status:       schema.AttemptStatusCompleted,
		OutputDigest: outputDigest,
		Metrics:      metrics,
	}); err != nil {
		return nil, err
	}
	att.Status = schema.AttemptStatusCompleted
	att.OutputDigest = outputDigest
	att.Metrics = metrics

	if checked.Tag == schema.OutcomeRepaired {
		x.emit(ctx, run.ID, row.Name, schema.EventOutputRepaired, map[string]any{
			"attempt":         att.AttemptNum,
			"original_digest": artifact.Digest(checked.Original),
			"output_digest":   outputDigest,
		})
	}
	x.emit(ctx, run.ID, row.Name, schema.EventAttemptCompleted, map[string]any{
		"attempt":       att.AttemptNum,
		"output_digest": outputDigest,
		"outcome":       string(checked.Tag),
		"duration_ms":   elapsed.Milliseconds(),
	})
	x.progress.publish(ctx, run, schema.ProgressStepCompleted, row.Name, "")
	return &StepOutcome{Step: row, Attempt: att, Result: checked.Result, Artifacts: arts}, nil
}

func (x *Executor) fail(ctx context.Context, runID string, row *store.Step, att *store.Attempt,
	category schema.ErrorCategory, herr error, elapsed time.Duration,
) error {
	metrics, _ := json.Marshal(map[string]any{"duration_ms": elapsed.Milliseconds()})
	if err := x.store.FinishAttempt(ctx, att.ID, store.AttemptResult{
		Status:        schema.AttemptStatusFailed,
		ErrorCategory: category,
		ErrorMessage:  herr.Error(),
		Metrics:       metrics,
	}); err != nil {
		return err
	}
	att.Status = schema.AttemptStatusFailed
	att.ErrorCategory = category
	att.ErrorMessage = herr.Error()

	payload := map[string]any{
		"attempt":        att.AttemptNum,
		"error_category": string(category),
		"message":        herr.Error(),
	}
	if he, ok := schema.AsHandlerError(herr); ok {
		payload["error_type"] = he.Type
		payload["source"] = string(he.Source)
	}
	x.emit(ctx, runID, row.Name, schema.EventAttemptFailed, payload)
	return nil
}

// discard closes an attempt whose result must not count. It uses a context
// detached from cancellation so an interrupted drive still records it.
func (x *Executor) discard(ctx context.Context, runID string, row *store.Step, att *store.Attempt, reason string) {
	ctx = context.WithoutCancel(ctx)
	err := x.store.FinishAttempt(ctx, att.ID, store.AttemptResult{
		Status:       schema.AttemptStatusDiscarded,
		ErrorMessage: reason,
	})
	if err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
		logging.LogWith(ctx, x.logger).WarnContext(ctx, "discard attempt failed", "attempt", att.AttemptNum, "error", err)
		return
	}
	att.Status = schema.AttemptStatusDiscarded
	x.emit(ctx, runID, row.Name, schema.EventAttemptDiscarded, map[string]any{
		"attempt": att.AttemptNum,
		"reason":  reason,
	})
}

func (x *Executor) emit(ctx context.Context, runID, step, eventType string, payload map[string]any) {
	if _, err := x.events.Append(ctx, runID, step, eventType, payload); err != nil {
		logging.LogWith(ctx, x.logger).WarnContext(ctx, "append event failed", "type", eventType, "error", err)
	}
}

func (x *Executor) record(ctx context.Context, step, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("step", step), attribute.String("status", status))
	x.executions.Add(ctx, 1, attrs)
	x.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// failureCode maps the final failure of a step to the run error code.
func failureCode(category schema.ErrorCategory, err error) string {
	switch category {
	case schema.CategoryValidationFail:
		return schema.ErrCodeValidationFailed
	case schema.CategoryNonRetryable:
		return schema.ErrCodeNonRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrCodeTimeout
	}
	return schema.ErrCodeRetryExhausted
}

func attemptMetrics(elapsed time.Duration, out *validation.Outcome) json.RawMessage {
	m := map[string]any{
		"duration_ms": elapsed.Milliseconds(),
		"outcome":     string(out.Tag),
		"repaired":    out.Tag == schema.OutcomeRepaired,
	}
	if out.Report != nil {
		m["validation_errors"] = len(out.Report.Errors)
	}
	data, _ := json.Marshal(m)
	return data
}
