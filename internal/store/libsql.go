package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/runengine/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/runs.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serializes writers, which the per-run event sequence relies on.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	_, err := runMigrations(ctx, s.db)
	return err
}

// ApplyMigrations runs pending migrations and reports how many were applied.
func (s *LibSQLStore) ApplyMigrations(ctx context.Context) (int, error) {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the highest applied migration version.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	if err := ensureSchemaTable(ctx, s.db); err != nil {
		return 0, err
	}
	return currentSchemaVersion(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	input := run.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	now := time.Now().UTC()
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tenant_id, status, config, input_data, current_step, error_code, error_message,
		 last_resumed_step, phase_state, parent_run_id, created_at, updated_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, string(run.Status), string(cfg), string(input),
		nullStr(run.CurrentStep), nullStr(run.ErrorCode), nullStr(run.ErrorMessage),
		nullStr(run.LastResumedStep), nullRaw(run.PhaseState), nullStr(run.ParentRunID),
		run.CreatedAt, run.UpdatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	if isUniqueViolation(err) {
		return storeConflict("run %q already exists", run.ID)
	}
	return err
}

const runColumns = `id, tenant_id, status, config, input_data, current_step, error_code, error_message,
	last_resumed_step, phase_state, parent_run_id, created_at, updated_at, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	r := &Run{}
	var (
		status, cfgJSON, inputJSON                 string
		currentStep, errCode, errMsg, lastResumed  sql.NullString
		phaseState, parentID                       sql.NullString
		startedAt, completedAt                     sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.TenantID, &status, &cfgJSON, &inputJSON, &currentStep, &errCode, &errMsg,
		&lastResumed, &phaseState, &parentID, &r.CreatedAt, &r.UpdatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	if err := json.Unmarshal([]byte(cfgJSON), &r.Config); err != nil {
		return nil, fmt.Errorf("unmarshal run config: %w", err)
	}
	r.Input = json.RawMessage(inputJSON)
	r.CurrentStep = currentStep.String
	r.ErrorCode = errCode.String
	r.ErrorMessage = errMsg.String
	r.LastResumedStep = lastResumed.String
	r.PhaseState = rawOrNil(phaseState)
	r.ParentRunID = parentID.String
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, tenantID, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ? AND tenant_id = ?`, id, tenantID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, tenantID, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullStr(*update.ErrorCode))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.LastResumedStep != nil {
		sets = append(sets, "last_resumed_step = ?")
		args = append(args, nullStr(*update.LastResumedStep))
	}
	if update.ClearPhaseState {
		sets = append(sets, "phase_state = NULL")
	} else if update.PhaseState != nil {
		sets = append(sets, "phase_state = ?")
		args = append(args, string(update.PhaseState))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.ClearCompletedAt {
		sets = append(sets, "completed_at = NULL")
	} else if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE runs SET " + strings.Join(sets, ", ") + " WHERE id = ? AND tenant_id = ?"
	args = append(args, id, tenantID)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ? AND tenant_id = ?`, id, tenantID).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("run", id)
	}
	if err != nil {
		return err
	}
	return storeConflict("run %s is %s, expected %s", id, status, *update.ExpectStatus)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *Step) error {
	now := time.Now().UTC()
	step.CreatedAt = timeOrNow(step.CreatedAt)
	step.UpdatedAt = now
	if step.Status == "" {
		step.Status = schema.StepStatusPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (id, run_id, step_name, status, retry_count, error_code, error_message, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, string(step.Status), step.RetryCount,
		nullStr(step.ErrorCode), nullStr(step.ErrorMessage), nullTime(step.StartedAt), nullTime(step.CompletedAt),
		step.CreatedAt, step.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return storeConflict("step %q already exists for run %s", step.Name, step.RunID)
	}
	return err
}

const stepColumns = `id, run_id, step_name, status, retry_count, error_code, error_message, started_at, completed_at, created_at, updated_at`

func scanStep(row interface{ Scan(...any) error }) (*Step, error) {
	st := &Step{}
	var (
		status                 string
		errCode, errMsg        sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&st.ID, &st.RunID, &st.Name, &status, &st.RetryCount, &errCode, &errMsg,
		&startedAt, &completedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
		return nil, err
	}
	st.Status = schema.StepStatus(status)
	st.ErrorCode = errCode.String
	st.ErrorMessage = errMsg.String
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

func (s *LibSQLStore) GetStep(ctx context.Context, runID, name string) (*Step, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? AND step_name = ?`, runID, name)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", name)
	}
	return st, err
}

func (s *LibSQLStore) ListSteps(ctx context.Context, runID string) ([]*Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullStr(*update.ErrorCode))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.ClearTimes {
		sets = append(sets, "started_at = NULL", "completed_at = NULL")
	} else {
		if update.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *update.StartedAt)
		}
		if update.CompletedAt != nil {
			sets = append(sets, "completed_at = ?")
			args = append(args, *update.CompletedAt)
		}
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE steps SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update.ExpectStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.ExpectStatus))
	}
	if update.RequireActiveRun {
		query += " AND EXISTS (SELECT 1 FROM runs WHERE runs.id = steps.run_id AND runs.status NOT IN (?, ?, ?))"
		args = append(args, string(schema.RunStatusCompleted), string(schema.RunStatusFailed), string(schema.RunStatusCancelled))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM steps WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("step", id)
	}
	if err != nil {
		return err
	}
	if update.ExpectStatus != nil && schema.StepStatus(status) != *update.ExpectStatus {
		return storeConflict("step %s is %s, expected %s", id, status, *update.ExpectStatus)
	}
	return storeConflict("step %s belongs to a finished run", id)
}

// --- Attempts ---

func (s *LibSQLStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	a.StartedAt = timeOrNow(a.StartedAt)
	if a.Status == "" {
		a.Status = schema.AttemptStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, step_id, attempt_num, status, input_digest, output_digest, error_category, error_message, metrics, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StepID, a.AttemptNum, string(a.Status), nullStr(a.InputDigest), nullStr(a.OutputDigest),
		nullStr(string(a.ErrorCategory)), nullStr(a.ErrorMessage), nullRaw(a.Metrics), a.StartedAt, nullTime(a.CompletedAt),
	)
	if isUniqueViolation(err) {
		return storeConflict("attempt %d already exists for step %s", a.AttemptNum, a.StepID)
	}
	return err
}

func (s *LibSQLStore) FinishAttempt(ctx context.Context, id string, result AttemptResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, output_digest = ?, error_category = ?, error_message = ?, metrics = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(result.Status), nullStr(result.OutputDigest), nullStr(string(result.ErrorCategory)),
		nullStr(result.ErrorMessage), nullRaw(result.Metrics), timeOrNow(result.CompletedAt), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM attempts WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return storeNotFound("attempt", id)
	}
	if err != nil {
		return err
	}
	return storeConflict("attempt %s already %s", id, status)
}

func (s *LibSQLStore) ListAttempts(ctx context.Context, stepID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_id, attempt_num, status, input_digest, output_digest, error_category, error_message, metrics, started_at, completed_at
		 FROM attempts WHERE step_id = ? ORDER BY attempt_num ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var (
			status                              string
			inDigest, outDigest, category, msg  sql.NullString
			metrics                             sql.NullString
			completedAt                         sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.StepID, &a.AttemptNum, &status, &inDigest, &outDigest, &category, &msg,
			&metrics, &a.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		a.Status = schema.AttemptStatus(status)
		a.InputDigest = inDigest.String
		a.OutputDigest = outDigest.String
		a.ErrorCategory = schema.ErrorCategory(category.String)
		a.ErrorMessage = msg.String
		a.Metrics = rawOrNil(metrics)
		if completedAt.Valid {
			a.CompletedAt = &completedAt.Time
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- Artifacts ---

func (s *LibSQLStore) CreateArtifact(ctx context.Context, a *Artifact) error {
	a.CreatedAt = timeOrNow(a.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, run_id, step_id, attempt_id, type, ref_path, digest, content_type, size, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, nullStr(a.StepID), nullStr(a.AttemptID), a.Type, a.RefPath, a.Digest,
		nullStr(a.ContentType), a.Size, nullRaw(a.Metadata), a.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) ListArtifacts(ctx context.Context, runID string, filter ArtifactFilter) ([]*Artifact, error) {
	query := `SELECT id, run_id, step_id, attempt_id, type, ref_path, digest, content_type, size, metadata, created_at
		FROM artifacts WHERE run_id = ?`
	args := []any{runID}
	if filter.StepID != "" {
		query += " AND step_id = ?"
		args = append(args, filter.StepID)
	}
	if filter.AttemptID != "" {
		query += " AND attempt_id = ?"
		args = append(args, filter.AttemptID)
	}
	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var stepID, attemptID, contentType, metadata sql.NullString
		if err := rows.Scan(&a.ID, &a.RunID, &stepID, &attemptID, &a.Type, &a.RefPath, &a.Digest,
			&contentType, &a.Size, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.StepID = stepID.String
		a.AttemptID = attemptID.String
		a.ContentType = contentType.String
		a.Metadata = rawOrNil(metadata)
		result = append(result, a)
	}
	return result, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-run sequence and inserts the event in one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step_name, event_type, payload, timestamp, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`, runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Reviews ---

func (s *LibSQLStore) UpsertReview(ctx context.Context, r *ReviewRequest) error {
	now := time.Now().UTC()
	r.CreatedAt = timeOrNow(r.CreatedAt)
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_requests (id, run_id, step, review_type, status, review_result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step, review_type) DO UPDATE SET
		   status = excluded.status, review_result = excluded.review_result, updated_at = excluded.updated_at`,
		r.ID, r.RunID, r.Step, r.ReviewType, string(r.Status), nullRaw(r.Result), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const reviewColumns = `id, run_id, step, review_type, status, review_result, created_at, updated_at`

func scanReview(row interface{ Scan(...any) error }) (*ReviewRequest, error) {
	r := &ReviewRequest{}
	var status string
	var result sql.NullString
	if err := row.Scan(&r.ID, &r.RunID, &r.Step, &r.ReviewType, &status, &result, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.ReviewStatus(status)
	r.Result = rawOrNil(result)
	return r, nil
}

func (s *LibSQLStore) GetReview(ctx context.Context, runID, step, reviewType string) (*ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_requests WHERE run_id = ? AND step = ? AND review_type = ?`,
		runID, step, reviewType)
	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("review", step+"/"+reviewType)
	}
	return r, err
}

func (s *LibSQLStore) ListReviews(ctx context.Context, runID string) ([]*ReviewRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reviewColumns+` FROM review_requests WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReviewRequest
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Helpers ---

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY constraint failed")
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
