// Package runstore persists pipeline runs and their jobs for later
// inspection. Nothing in a run depends on earlier runs' records.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/keel/internal/scheduler"
)

// maxOutputBytes keeps the tail of each job's output.
const maxOutputBytes = 64 * 1024

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Begin records a run in the running state and returns its id.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (string, error) {
	if req.Workflow == "" {
		return "", fmt.Errorf("workflow is empty")
	}
	if req.EventKind == "" {
		return "", fmt.Errorf("event kind is empty")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	var event any
	if len(req.Event) > 0 {
		event = string(req.Event)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_run(
  id, workflow, event_kind, event_action, branch, head_sha, status,
  fingerprint, config_checksum, event, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Workflow, req.EventKind, nullString(req.EventAction), req.Branch, nullString(req.HeadSha), StatusRunning,
		nullString(req.Fingerprint), nullString(req.ConfigChecksum), event, now)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// SetFingerprint records the graph fingerprint once the graph is built.
func (s *Store) SetFingerprint(ctx context.Context, runID, fingerprint string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE pipeline_run SET fingerprint = ? WHERE id = ?;`, fingerprint, runID)
	if err != nil {
		return fmt.Errorf("set fingerprint: %w", err)
	}
	return requireRow(res, runID)
}

// Finish marks a run terminal.
func (s *Store) Finish(ctx context.Context, runID string, status Status, reason string) error {
	return finish(ctx, s.db, runID, status, reason, s.now())
}

// RecordJob upserts one job's record.
func (s *Store) RecordJob(ctx context.Context, runID string, seq int, jr *scheduler.JobRun) error {
	return recordJob(ctx, s.db, runID, seq, jr)
}

// RecordPipeline stores every job of res and marks the run terminal in one
// transaction.
func (s *Store) RecordPipeline(ctx context.Context, runID string, res *scheduler.PipelineResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, jr := range res.Jobs {
		if err := recordJob(ctx, tx, runID, i, jr); err != nil {
			return err
		}
	}
	reason := ""
	if len(res.Failed) > 0 {
		reason = "failed: " + strings.Join(res.Failed, ", ")
	}
	if err := finish(ctx, tx, runID, Status(res.Status), reason, s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", runID, err)
	}
	return nil
}

// Get returns a run with its jobs in declaration order.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, workflow, event_kind, event_action, branch, head_sha, status, reason,
  fingerprint, config_checksum, event, created_at, completed_at
FROM pipeline_run
WHERE id = ?;
`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, job, seq, status, reason, exit_code, failed_step, started_at, completed_at, output, events
FROM job_run
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			j            Job
			reason       sql.NullString
			exitCode     sql.NullInt64
			failedStep   sql.NullInt64
			startedAtS   sql.NullString
			completedAtS sql.NullString
			output       sql.NullString
			eventsS      sql.NullString
		)
		if err := rows.Scan(&j.RunID, &j.Name, &j.Seq, &j.Status, &reason, &exitCode, &failedStep,
			&startedAtS, &completedAtS, &output, &eventsS); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Reason = reason.String
		j.Output = output.String
		if exitCode.Valid {
			v := int(exitCode.Int64)
			j.ExitCode = &v
		}
		if failedStep.Valid {
			v := int(failedStep.Int64)
			j.FailedStep = &v
		}
		j.StartedAt = parseTime(startedAtS)
		j.CompletedAt = parseTime(completedAtS)
		if eventsS.Valid {
			j.Events = json.RawMessage(eventsS.String)
		}
		run.Jobs = append(run.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return run, nil
}

// List returns runs newest first, without their jobs.
func (s *Store) List(ctx context.Context, f Filter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.Branch != "" {
		where = append(where, "branch = ?")
		args = append(args, f.Branch)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `
SELECT id, workflow, event_kind, event_action, branch, head_sha, status, reason,
  fingerprint, config_checksum, event, created_at, completed_at
FROM pipeline_run`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY created_at DESC, rowid DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// PruneOlderThan deletes runs created before now-retention, jobs included.
func (s *Store) PruneOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("retention must be positive")
	}
	cutoff := s.now().UTC().Add(-retention).Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Jobs are deleted explicitly; foreign_keys is a per-connection pragma.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM job_run
WHERE run_id IN (SELECT id FROM pipeline_run WHERE created_at < ? AND status != ?);
`, cutoff, StatusRunning); err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pipeline_run WHERE created_at < ? AND status != ?;`, cutoff, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

// RecoverInterrupted marks runs left running by a previous process as
// cancelled and returns their ids.
func (s *Store) RecoverInterrupted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE pipeline_run
SET status = ?, reason = ?, completed_at = ?
WHERE status = ?
RETURNING id;
`, StatusCancelled, "interrupted by restart", s.now().UTC().Format(time.RFC3339Nano), StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("recover runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recovered run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func finish(ctx context.Context, db execer, runID string, status Status, reason string, now time.Time) error {
	res, err := db.ExecContext(ctx, `
UPDATE pipeline_run
SET status = ?, reason = ?, completed_at = ?
WHERE id = ?;
`, status, nullString(reason), now.UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return requireRow(res, runID)
}

func recordJob(ctx context.Context, db execer, runID string, seq int, jr *scheduler.JobRun) error {
	eventsJSON, err := json.Marshal(jr.Events)
	if err != nil {
		return fmt.Errorf("encode job events: %w", err)
	}

	var exitCode, failedStep any
	if jr.FailedStep >= 0 {
		failedStep = jr.FailedStep
		if jr.FailedStep < len(jr.Steps) {
			exitCode = jr.Steps[jr.FailedStep].ExitCode
		}
	} else if jr.State == scheduler.StateSucceeded {
		exitCode = 0
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO job_run(
  run_id, job, seq, status, reason, exit_code, failed_step, started_at, completed_at, output, events
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, job) DO UPDATE SET
  seq = excluded.seq,
  status = excluded.status,
  reason = excluded.reason,
  exit_code = excluded.exit_code,
  failed_step = excluded.failed_step,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at,
  output = excluded.output,
  events = excluded.events;
`, runID, jr.Name, seq, string(jr.State), nullString(string(jr.Reason)), exitCode, failedStep,
		formatTime(jr.StartedAt), formatTime(jr.FinishedAt), nullString(tail(jr.Output)), string(eventsJSON))
	if err != nil {
		return fmt.Errorf("record job %s: %w", jr.Name, err)
	}
	return nil
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r            Run
		action       sql.NullString
		headSha      sql.NullString
		statusS      string
		reason       sql.NullString
		fingerprint  sql.NullString
		checksum     sql.NullString
		event        sql.NullString
		createdAtS   string
		completedAtS sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Workflow, &r.EventKind, &action, &r.Branch, &headSha, &statusS, &reason,
		&fingerprint, &checksum, &event, &createdAtS, &completedAtS); err != nil {
		return nil, err
	}
	r.Status = Status(statusS)
	r.EventAction = action.String
	r.HeadSha = headSha.String
	r.Reason = reason.String
	r.Fingerprint = fingerprint.String
	r.ConfigChecksum = checksum.String
	if event.Valid {
		r.Event = json.RawMessage(event.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	r.CompletedAt = parseTime(completedAtS)
	return &r, nil
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func tail(out []byte) string {
	if len(out) > maxOutputBytes {
		out = out[len(out)-maxOutputBytes:]
	}
	return string(out)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
