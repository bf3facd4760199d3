// Package store persists jobs, tool results, audit records and scan
// profiles in SQLite.
//
// Every operation runs in its own transaction. Status changes are
// conditional updates, so a job never leaves a terminal state and
// results are only ever appended while the job runs.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/msfrecon/recond/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	target TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	authorized BOOLEAN NOT NULL,
	profile_name TEXT NOT NULL DEFAULT '',
	requester TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT DEFAULT NULL,
	tool_requests TEXT NOT NULL,
	tool_count INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	started_at INTEGER DEFAULT NULL,
	ended_at INTEGER DEFAULT NULL,
	error TEXT NOT NULL DEFAULT '',
	UNIQUE (requester, idempotency_key)
);
CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status, ended_at);
CREATE TABLE IF NOT EXISTS tool_results (
	job_id TEXT NOT NULL,
	idx INTEGER NOT NULL,
	tool_id TEXT NOT NULL,
	raw_output TEXT NOT NULL,
	findings TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER NOT NULL,
	exit_status TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, idx)
);
CREATE TABLE IF NOT EXISTS audit (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	requester TEXT NOT NULL,
	target TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	rule TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS profiles (
	name TEXT PRIMARY KEY,
	tool_requests TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const jobColumns = `id, target, target_kind, authorized, profile_name, requester,
	idempotency_key, tool_requests, status, created_at, started_at, ended_at, error`

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// InitDB opens the database at path and creates missing tables. ":memory:"
// gives a private in-memory database.
func InitDB(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection serializes writers and keeps :memory: alive
	db.SetMaxOpenConns(1)

	for stmt := range strings.SplitSeq(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) begin(ctx context.Context, attrs ...any) (*sql.Tx, func(), error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return tx, func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", attrs...)
		}
	}, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// CreateJob stores job as queued and returns it with a fresh id. When the
// requester already submitted a job under the same idempotency key, that
// job is returned instead and created is false.
func (s *Store) CreateJob(ctx context.Context, job model.Job) (ret model.Job, created bool, err error) {
	tx, rollback, err := s.begin(ctx, "target", job.Target.Value)
	if err != nil {
		return model.Job{}, false, err
	}
	defer rollback()

	if job.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE requester=? AND idempotency_key=?`,
			job.Requester, job.IdempotencyKey,
		)
		existing, err := scanJob(row)
		switch {
		case err == nil:
			existing.Results, err = results(ctx, tx, existing.ID)
			if err != nil {
				return model.Job{}, false, err
			}
			return existing, false, commit(tx)
		case !errors.Is(err, model.ErrJobNotFound):
			return model.Job{}, false, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.Job{}, false, err
	}
	job.ID = id.String()
	job.Status = model.StatusQueued
	job.CreatedAt = s.now().UTC()
	job.StartedAt, job.EndedAt, job.Results, job.Error = nil, nil, []model.ToolResult{}, ""

	requests, err := json.Marshal(job.ToolRequests)
	if err != nil {
		return model.Job{}, false, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, target, target_kind, authorized, profile_name, requester,
			idempotency_key, tool_requests, tool_count, status, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?);`,
		job.ID, job.Target.Value, job.Target.Kind, job.Target.Authorized, job.ProfileName, job.Requester,
		nullString(job.IdempotencyKey), string(requests), len(job.ToolRequests), job.Status, job.CreatedAt.UnixNano(),
	)
	if err != nil {
		return model.Job{}, false, fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := commit(tx); err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

// Transition moves job id to status to when the state machine allows it,
// otherwise ErrInvalidTransition is returned. Entering running records the
// start time, entering a terminal state the end time. A non-empty msg is
// stored as the job error.
func (s *Store) Transition(ctx context.Context, id string, to model.Status, msg string) error {
	from := model.Sources(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: to %s", model.ErrInvalidTransition, to)
	}

	tx, rollback, err := s.begin(ctx, "id", id)
	if err != nil {
		return err
	}
	defer rollback()

	now := s.now().UTC().UnixNano()
	set := []string{"status = ?"}
	args := []any{to}
	if to == model.StatusRunning {
		set = append(set, "started_at = ?")
		args = append(args, now)
	}
	if to.Terminal() {
		set = append(set, "ended_at = ?")
		args = append(args, now)
	}
	if msg != "" {
		set = append(set, "error = ?")
		args = append(args, msg)
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, f)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+
			` WHERE id = ? AND status IN (?`+strings.Repeat(",?", len(from)-1)+`);`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		current, err := status(ctx, tx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current, to)
	}
	return commit(tx)
}

// AppendResult stores r as the idx-th result of a running job. Results are
// appended in request order: idx must equal the number of stored results.
func (s *Store) AppendResult(ctx context.Context, id string, idx int, r model.ToolResult) error {
	tx, rollback, err := s.begin(ctx, "id", id, "tool", r.ToolID)
	if err != nil {
		return err
	}
	defer rollback()

	var (
		st    model.Status
		tools int
		count int
	)
	row := tx.QueryRowContext(ctx,
		`SELECT status, tool_count, (SELECT COUNT(*) FROM tool_results WHERE job_id = jobs.id)
		 FROM jobs WHERE id=?`, id,
	)
	err = row.Scan(&st, &tools, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}
	if st != model.StatusRunning {
		return fmt.Errorf("%w: append result to %s job", model.ErrInvalidTransition, st)
	}
	if idx != count || idx >= tools {
		return fmt.Errorf("result %d out of order, have %d of %d", idx, count, tools)
	}

	findings := r.Findings
	if findings == nil {
		findings = []model.Finding{}
	}
	encoded, err := json.Marshal(findings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tool_results (job_id, idx, tool_id, raw_output, findings, started_at,
			ended_at, exit_status, exit_code, error)
		 VALUES (?,?,?,?,?,?,?,?,?,?);`,
		id, idx, r.ToolID, r.RawOutput, string(encoded), r.StartedAt.UTC().UnixNano(),
		r.EndedAt.UTC().UnixNano(), r.ExitStatus, r.ExitCode, r.Error,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return commit(tx)
}

// Get returns the job with all its results or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	tx, rollback, err := s.begin(ctx, "id", id)
	if err != nil {
		return model.Job{}, err
	}
	defer rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		return model.Job{}, withID(err, id)
	}
	job.Results, err = results(ctx, tx, id)
	if err != nil {
		return model.Job{}, err
	}
	return job, commit(tx)
}

// Results returns the results of job id in request order.
func (s *Store) Results(ctx context.Context, id string) ([]model.ToolResult, error) {
	tx, rollback, err := s.begin(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	defer rollback()

	if _, err := status(ctx, tx, id); err != nil {
		return nil, err
	}
	ret, err := results(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return ret, commit(tx)
}

// Status returns the lightweight status view of job id.
func (s *Store) Status(ctx context.Context, id string) (model.JobStatus, error) {
	tx, rollback, err := s.begin(ctx, "id", id)
	if err != nil {
		return model.JobStatus{}, err
	}
	defer rollback()

	var (
		ret            model.JobStatus
		started, ended sql.NullInt64
	)
	row := tx.QueryRowContext(ctx,
		`SELECT id, status, started_at, ended_at, error, tool_count,
			(SELECT COUNT(*) FROM tool_results WHERE job_id = jobs.id)
		 FROM jobs WHERE id=?`, id,
	)
	err = row.Scan(&ret.ID, &ret.Status, &started, &ended, &ret.Error, &ret.ToolCount, &ret.ResultsCount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.JobStatus{}, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	case err != nil:
		return model.JobStatus{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	ret.StartedAt = timePtr(started)
	ret.EndedAt = timePtr(ended)
	return ret, commit(tx)
}

type ListOptions struct {
	Limit     int
	Offset    int
	Status    model.Status
	Requester string
}

// List returns job summaries newest first together with the total number
// of jobs matching the filter.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]model.JobSummary, int, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer rollback()

	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Requester != "" {
		where = append(where, "requester = ?")
		args = append(args, opts.Requester)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("executing sql query failed: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT id, target, profile_name, requester, status, created_at, started_at, ended_at, error,
			tool_count, (SELECT COUNT(*) FROM tool_results WHERE job_id = jobs.id)
		 FROM jobs`+filter+` ORDER BY seq DESC LIMIT ? OFFSET ?`,
		append(args, limit, max(opts.Offset, 0))...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := make([]model.JobSummary, 0)
	for rows.Next() {
		var (
			sum            model.JobSummary
			created        int64
			started, ended sql.NullInt64
		)
		if err := rows.Scan(&sum.ID, &sum.Target, &sum.ProfileName, &sum.Requester, &sum.Status,
			&created, &started, &ended, &sum.Error, &sum.ToolCount, &sum.ResultsCount); err != nil {
			return nil, 0, fmt.Errorf("scanning row failed: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.StartedAt = timePtr(started)
		sum.EndedAt = timePtr(ended)
		ret = append(ret, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return ret, total, commit(tx)
}

// Unfinished returns queued and running jobs oldest first.
func (s *Store) Unfinished(ctx context.Context) ([]model.Job, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN (?,?) ORDER BY seq ASC`,
		model.StatusQueued, model.StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var ret []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		ret = append(ret, job)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range ret {
		ret[i].Results, err = results(ctx, tx, ret[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return ret, commit(tx)
}

// Evict deletes terminal jobs which ended before cutoff and returns their ids.
func (s *Store) Evict(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status IN (?,?,?) AND ended_at < ?`,
		model.StatusCompleted, model.StatusFailed, model.StatusCancelled, cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tool_results WHERE job_id=?`, id); err != nil {
			return nil, fmt.Errorf("executing sql delete failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id); err != nil {
			return nil, fmt.Errorf("executing sql delete failed: %w", err)
		}
	}
	return ids, commit(tx)
}

// AppendAudit implements model.AuditSink.
func (s *Store) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit (ts, requester, target, decision, reason, rule) VALUES (?,?,?,?,?,?);`,
		rec.Timestamp.UTC().UnixNano(), rec.Requester, rec.Target, rec.Decision, rec.Reason, rec.Rule,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

// Audit returns up to limit audit records, newest first.
func (s *Store) Audit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, requester, target, decision, reason, rule FROM audit ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	ret := make([]model.AuditRecord, 0)
	for rows.Next() {
		var (
			rec model.AuditRecord
			ts  int64
		)
		if err := rows.Scan(&ts, &rec.Requester, &rec.Target, &rec.Decision, &rec.Reason, &rec.Rule); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		ret = append(ret, rec)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job            model.Job
		key            sql.NullString
		requests       string
		created        int64
		started, ended sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.Target.Value, &job.Target.Kind, &job.Target.Authorized, &job.ProfileName,
		&job.Requester, &key, &requests, &job.Status, &created, &started, &ended, &job.Error)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, model.ErrJobNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	job.IdempotencyKey = key.String
	job.CreatedAt = time.Unix(0, created).UTC()
	job.StartedAt = timePtr(started)
	job.EndedAt = timePtr(ended)
	if err := decode(requests, &job.ToolRequests); err != nil {
		return model.Job{}, fmt.Errorf("decoding tool requests of %s: %w", job.ID, err)
	}
	return job, nil
}

func results(ctx context.Context, tx *sql.Tx, id string) ([]model.ToolResult, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT tool_id, raw_output, findings, started_at, ended_at, exit_status, exit_code, error
		 FROM tool_results WHERE job_id=? ORDER BY idx ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	ret := make([]model.ToolResult, 0)
	for rows.Next() {
		var (
			r              model.ToolResult
			findings       string
			started, ended int64
		)
		if err := rows.Scan(&r.ToolID, &r.RawOutput, &findings, &started, &ended, &r.ExitStatus, &r.ExitCode, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		if err := decode(findings, &r.Findings); err != nil {
			return nil, fmt.Errorf("decoding findings of %s: %w", id, err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.EndedAt = time.Unix(0, ended).UTC()
		ret = append(ret, r)
	}
	return ret, rows.Err()
}

func status(ctx context.Context, tx *sql.Tx, id string) (model.Status, error) {
	var st model.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, id).Scan(&st)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	case err != nil:
		return "", fmt.Errorf("executing sql query failed: %w", err)
	}
	return st, nil
}

// decode keeps numbers as json.Number so that integer parameters survive
// the round trip unchanged.
func decode(s string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	return dec.Decode(v)
}

func withID(err error, id string) error {
	if errors.Is(err, model.ErrJobNotFound) {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
