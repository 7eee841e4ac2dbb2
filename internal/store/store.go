// Package store persists jobs, iterations, QA reports, audit events, safety
// events, review actions, cases, and the model bundle catalog in a relational
// database. SQLite (modernc, embedded) backs the default DSN and tests;
// Postgres (pgx) backs DATABASE_URL=postgres://. All queries go through sqlx
// with Rebind so placeholders work on both drivers.
//
// The store is also where the status state machine is enforced: SetStatus
// refuses any transition not in Transitions unless the caller explicitly
// forces the write (reserved for recovery and forced terminals like blocked).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/clipwright/clipwright/internal/model"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrNotFound reports a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition reports a status change not allowed by the
	// transition table.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Transitions is the job status state machine. A nil/absent entry means the
// status is terminal for automatic progress.
var Transitions = map[model.JobStatus][]model.JobStatus{
	model.StatusQueued:      {model.StatusPlanning, model.StatusBlocked, model.StatusFailed},
	model.StatusPlanning:    {model.StatusEditing, model.StatusFailed},
	model.StatusEditing:     {model.StatusQA, model.StatusFailed},
	model.StatusQA:          {model.StatusPlanning, model.StatusSucceeded, model.StatusHumanReview, model.StatusFailed},
	model.StatusHumanReview: {model.StatusSucceeded, model.StatusFailed, model.StatusQueued},
	model.StatusFailed:      {model.StatusQueued},
	model.StatusSucceeded:   nil,
	model.StatusBlocked:     nil,
}

// TransitionAllowed reports whether from→to is in the table.
func TransitionAllowed(from, to model.JobStatus) bool {
	for _, next := range Transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store wraps the database handle. Safe for concurrent use.
type Store struct {
	db *sqlx.DB

	// seqMu guards seq, a process-wide strictly increasing counter used to
	// order job events under timestamp ties and to mint iteration row ids
	// without relying on driver-specific autoincrement.
	seqMu sync.Mutex
	seq   int64

	now func() time.Time
}

// Open connects to the database named by dsn, applies the schema, and seeds
// the event sequence counter. postgres:// and postgresql:// DSNs use pgx;
// everything else is treated as a SQLite file DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if driver == "sqlite" {
		// modernc/sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transactions.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadSeq(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		idempotency_key  TEXT,
		status           TEXT NOT NULL,
		instruction      TEXT NOT NULL,
		input_uri        TEXT NOT NULL,
		output_uri       TEXT NOT NULL DEFAULT '',
		capability       TEXT NOT NULL DEFAULT '',
		model_bundle     TEXT NOT NULL DEFAULT '',
		risk_level       TEXT NOT NULL DEFAULT '',
		metadata         TEXT NOT NULL DEFAULT '{}',
		latest_qa_score  DOUBLE PRECISION,
		current_iteration INTEGER NOT NULL DEFAULT 0,
		max_iterations   INTEGER NOT NULL,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key
		ON jobs (idempotency_key) WHERE idempotency_key <> ''`,
	`CREATE TABLE IF NOT EXISTS job_iterations (
		id            BIGINT PRIMARY KEY,
		job_id        TEXT NOT NULL,
		iteration     INTEGER NOT NULL,
		edit_plan     TEXT NOT NULL DEFAULT '{}',
		execution_log TEXT NOT NULL DEFAULT '{}',
		output_uri    TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		UNIQUE (job_id, iteration)
	)`,
	`CREATE TABLE IF NOT EXISTS qa_reports (
		id               TEXT PRIMARY KEY,
		job_id           TEXT NOT NULL,
		iteration        INTEGER NOT NULL,
		overall_score    DOUBLE PRECISION NOT NULL,
		dimension_scores TEXT NOT NULL DEFAULT '{}',
		issues           TEXT NOT NULL DEFAULT '[]',
		hard_fail_flags  TEXT NOT NULL DEFAULT '[]',
		recommendations  TEXT NOT NULL DEFAULT '[]',
		raw_report       TEXT NOT NULL DEFAULT '{}',
		created_at       TEXT NOT NULL,
		UNIQUE (job_id, iteration)
	)`,
	`CREATE TABLE IF NOT EXISTS safety_events (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		blocked    INTEGER NOT NULL,
		rule_ids   TEXT NOT NULL DEFAULT '[]',
		reason     TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS review_actions (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		decision   TEXT NOT NULL,
		reviewer   TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS job_events (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		seq        BIGINT NOT NULL,
		stage      TEXT NOT NULL,
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_events_job_seq ON job_events (job_id, seq)`,
	`CREATE TABLE IF NOT EXISTS cases (
		id             TEXT PRIMARY KEY,
		job_id         TEXT NOT NULL,
		task_summary   TEXT NOT NULL DEFAULT '',
		tags           TEXT NOT NULL DEFAULT '[]',
		failure_reason TEXT NOT NULL DEFAULT '',
		fix_strategy   TEXT NOT NULL DEFAULT '',
		final_metrics  TEXT NOT NULL DEFAULT '{}',
		embedding      TEXT NOT NULL DEFAULT '[]',
		created_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS model_bundles (
		name                   TEXT PRIMARY KEY,
		min_vram_gb            INTEGER NOT NULL DEFAULT 0,
		estimated_time_minutes INTEGER NOT NULL DEFAULT 0,
		download_size_gb       DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality_tier           TEXT NOT NULL DEFAULT '',
		enabled_modules        TEXT NOT NULL DEFAULT '[]'
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *Store) loadSeq(ctx context.Context) error {
	var max sql.NullInt64
	if err := s.db.GetContext(ctx, &max, `SELECT MAX(seq) FROM job_events`); err != nil {
		return fmt.Errorf("seed event sequence: %w", err)
	}
	s.seq = max.Int64
	return nil
}

func (s *Store) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func decodeTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// jobRow is the jobs table image. Conversions to and from model.Job live in
// toJob/fromJob so JSON and time encodings stay in one place.
type jobRow struct {
	ID               string          `db:"id"`
	IdempotencyKey   string          `db:"idempotency_key"`
	Status           string          `db:"status"`
	Instruction      string          `db:"instruction"`
	InputURI         string          `db:"input_uri"`
	OutputURI        string          `db:"output_uri"`
	Capability       string          `db:"capability"`
	ModelBundle      string          `db:"model_bundle"`
	RiskLevel        string          `db:"risk_level"`
	Metadata         string          `db:"metadata"`
	LatestQAScore    sql.NullFloat64 `db:"latest_qa_score"`
	CurrentIteration int             `db:"current_iteration"`
	MaxIterations    int             `db:"max_iterations"`
	CreatedAt        string          `db:"created_at"`
	UpdatedAt        string          `db:"updated_at"`
}

func (r jobRow) toJob() model.Job {
	job := model.Job{
		ID:               r.ID,
		IdempotencyKey:   r.IdempotencyKey,
		Status:           model.JobStatus(r.Status),
		Instruction:      r.Instruction,
		InputURI:         r.InputURI,
		OutputURI:        r.OutputURI,
		Capability:       model.Capability(r.Capability),
		ModelBundle:      r.ModelBundle,
		RiskLevel:        model.RiskLevel(r.RiskLevel),
		Metadata:         model.Metadata{},
		CurrentIteration: r.CurrentIteration,
		MaxIterations:    r.MaxIterations,
		CreatedAt:        decodeTime(r.CreatedAt),
		UpdatedAt:        decodeTime(r.UpdatedAt),
	}
	_ = json.Unmarshal([]byte(r.Metadata), &job.Metadata)
	if r.LatestQAScore.Valid {
		score := r.LatestQAScore.Float64
		job.LatestQAScore = &score
	}
	return job
}

func fromJob(job model.Job) jobRow {
	row := jobRow{
		ID:               job.ID,
		IdempotencyKey:   job.IdempotencyKey,
		Status:           string(job.Status),
		Instruction:      job.Instruction,
		InputURI:         job.InputURI,
		OutputURI:        job.OutputURI,
		Capability:       string(job.Capability),
		ModelBundle:      job.ModelBundle,
		RiskLevel:        string(job.RiskLevel),
		Metadata:         encodeJSON(job.Metadata),
		CurrentIteration: job.CurrentIteration,
		MaxIterations:    job.MaxIterations,
		CreatedAt:        encodeTime(job.CreatedAt),
		UpdatedAt:        encodeTime(job.UpdatedAt),
	}
	if job.LatestQAScore != nil {
		row.LatestQAScore = sql.NullFloat64{Float64: *job.LatestQAScore, Valid: true}
	}
	return row
}

// CreateJob inserts a new job. When the job carries an idempotency key that
// already exists, the original job is returned unchanged and created=false.
func (s *Store) CreateJob(ctx context.Context, job model.Job) (model.Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = model.StatusQueued
	}
	if job.Metadata == nil {
		job.Metadata = model.Metadata{}
	}

	if job.IdempotencyKey != "" {
		existing, err := s.JobByIdempotencyKey(ctx, job.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Job{}, false, err
		}
	}

	row := fromJob(job)
	query := s.db.Rebind(`INSERT INTO jobs
		(id, idempotency_key, status, instruction, input_uri, output_uri,
		 capability, model_bundle, risk_level, metadata, latest_qa_score,
		 current_iteration, max_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.IdempotencyKey, row.Status, row.Instruction, row.InputURI,
		row.OutputURI, row.Capability, row.ModelBundle, row.RiskLevel,
		row.Metadata, row.LatestQAScore, row.CurrentIteration,
		row.MaxIterations, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		// A concurrent create with the same key can win the race between the
		// lookup above and this insert.
		if job.IdempotencyKey != "" {
			if existing, lookupErr := s.JobByIdempotencyKey(ctx, job.IdempotencyKey); lookupErr == nil {
				return existing, false, nil
			}
		}
		return model.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	return job, true, nil
}

// Job fetches a job by id.
func (s *Store) Job(ctx context.Context, id string) (model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job: %w", err)
	}
	return row.toJob(), nil
}

// RecentJobs lists jobs newest first.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]model.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// JobByIdempotencyKey fetches the job registered under key.
func (s *Store) JobByIdempotencyKey(ctx context.Context, key string) (model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT * FROM jobs WHERE idempotency_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("idempotency key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job by idempotency key: %w", err)
	}
	return row.toJob(), nil
}

// UpdateJob writes the mutable job fields (output, capability, bundle, risk,
// metadata, score, iteration counters) and bumps updated_at. Status is NOT
// written here; use SetStatus so the transition table applies.
func (s *Store) UpdateJob(ctx context.Context, job model.Job) (model.Job, error) {
	job.UpdatedAt = s.now()
	row := fromJob(job)
	query := s.db.Rebind(`UPDATE jobs SET
		output_uri = ?, capability = ?, model_bundle = ?, risk_level = ?,
		metadata = ?, latest_qa_score = ?, current_iteration = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		row.OutputURI, row.Capability, row.ModelBundle, row.RiskLevel,
		row.Metadata, row.LatestQAScore, row.CurrentIteration, row.UpdatedAt,
		row.ID)
	if err != nil {
		return model.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Job{}, fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
	}
	return job, nil
}

// SetStatus transitions a job to a new status. enforce=true applies the
// transition table; enforce=false is the forced write reserved for recovery
// and terminal overrides (blocked, failed-at-submit). Every successful
// transition appends a status_transition event with {from, to}.
func (s *Store) SetStatus(ctx context.Context, jobID string, to model.JobStatus, enforce bool) (model.Job, error) {
	job, err := s.Job(ctx, jobID)
	if err != nil {
		return model.Job{}, err
	}
	from := job.Status
	if from == to {
		// Redelivered activity repeating a transition it already made.
		return job, nil
	}
	if enforce && !TransitionAllowed(from, to) {
		return model.Job{}, fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	now := s.now()
	query := s.db.Rebind(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(to), encodeTime(now), jobID); err != nil {
		return model.Job{}, fmt.Errorf("set status: %w", err)
	}
	job.Status = to
	job.UpdatedAt = now

	_, err = s.AppendEvent(ctx, model.JobEvent{
		JobID:   jobID,
		Stage:   "status_transition",
		Level:   model.LevelInfo,
		Message: fmt.Sprintf("status %s -> %s", from, to),
		Payload: map[string]any{"from": string(from), "to": string(to)},
	})
	if err != nil {
		return model.Job{}, err
	}
	return job, nil
}

// AppendEvent appends one audit event, assigning its id, sequence number, and
// timestamp. Sequence numbers are strictly increasing process-wide so per-job
// order survives created_at ties.
func (s *Store) AppendEvent(ctx context.Context, ev model.JobEvent) (model.JobEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Level == "" {
		ev.Level = model.LevelInfo
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Seq = s.nextSeq()
	ev.CreatedAt = s.now()

	query := s.db.Rebind(`INSERT INTO job_events
		(id, job_id, seq, stage, level, message, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.JobID, ev.Seq, ev.Stage, string(ev.Level), ev.Message,
		encodeJSON(ev.Payload), encodeTime(ev.CreatedAt))
	if err != nil {
		return model.JobEvent{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// Events returns all events for a job in sequence order.
func (s *Store) Events(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	type eventRow struct {
		ID        string `db:"id"`
		JobID     string `db:"job_id"`
		Seq       int64  `db:"seq"`
		Stage     string `db:"stage"`
		Level     string `db:"level"`
		Message   string `db:"message"`
		Payload   string `db:"payload"`
		CreatedAt string `db:"created_at"`
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM job_events WHERE job_id = ? ORDER BY seq`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]model.JobEvent, 0, len(rows))
	for _, r := range rows {
		ev := model.JobEvent{
			ID:        r.ID,
			JobID:     r.JobID,
			Seq:       r.Seq,
			Stage:     r.Stage,
			Level:     model.EventLevel(r.Level),
			Message:   r.Message,
			Payload:   map[string]any{},
			CreatedAt: decodeTime(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.Payload), &ev.Payload)
		events = append(events, ev)
	}
	return events, nil
}

// InsertIteration persists one plan/execute attempt, replacing any existing
// row for the same (job_id, iteration) so a redelivered activity lands on
// the row it already wrote. The row id comes from the shared sequence
// counter so both drivers behave identically.
func (s *Store) InsertIteration(ctx context.Context, it model.JobIteration) (model.JobIteration, error) {
	it.ID = s.nextSeq()
	it.CreatedAt = s.now()
	del := s.db.Rebind(`DELETE FROM job_iterations WHERE job_id = ? AND iteration = ?`)
	if _, err := s.db.ExecContext(ctx, del, it.JobID, it.Iteration); err != nil {
		return model.JobIteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	query := s.db.Rebind(`INSERT INTO job_iterations
		(id, job_id, iteration, edit_plan, execution_log, output_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		it.ID, it.JobID, it.Iteration, encodeJSON(it.EditPlan),
		encodeJSON(it.ExecutionLog), it.OutputURI, encodeTime(it.CreatedAt))
	if err != nil {
		return model.JobIteration{}, fmt.Errorf("insert iteration: %w", err)
	}
	return it, nil
}

// ClearIterations removes a job's iteration rows. Called on rerun so the
// restarted loop can write iteration numbers from one again.
func (s *Store) ClearIterations(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`DELETE FROM job_iterations WHERE job_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("clear iterations: %w", err)
	}
	return nil
}

// Iterations lists a job's iterations in order.
func (s *Store) Iterations(ctx context.Context, jobID string) ([]model.JobIteration, error) {
	type iterRow struct {
		ID           int64  `db:"id"`
		JobID        string `db:"job_id"`
		Iteration    int    `db:"iteration"`
		EditPlan     string `db:"edit_plan"`
		ExecutionLog string `db:"execution_log"`
		OutputURI    string `db:"output_uri"`
		CreatedAt    string `db:"created_at"`
	}
	var rows []iterRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM job_iterations WHERE job_id = ? ORDER BY iteration`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	iters := make([]model.JobIteration, 0, len(rows))
	for _, r := range rows {
		it := model.JobIteration{
			ID:        r.ID,
			JobID:     r.JobID,
			Iteration: r.Iteration,
			OutputURI: r.OutputURI,
			CreatedAt: decodeTime(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.EditPlan), &it.EditPlan)
		_ = json.Unmarshal([]byte(r.ExecutionLog), &it.ExecutionLog)
		iters = append(iters, it)
	}
	return iters, nil
}

// InsertQAReport persists one QA evaluation, keeping exactly one report per
// (job_id, iteration). A redelivered or rerun QA activity replaces the row
// instead of conflicting with it.
func (s *Store) InsertQAReport(ctx context.Context, report model.QAReport) (model.QAReport, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.CreatedAt = s.now()
	del := s.db.Rebind(`DELETE FROM qa_reports WHERE job_id = ? AND iteration = ?`)
	if _, err := s.db.ExecContext(ctx, del, report.JobID, report.Iteration); err != nil {
		return model.QAReport{}, fmt.Errorf("insert qa report: %w", err)
	}
	query := s.db.Rebind(`INSERT INTO qa_reports
		(id, job_id, iteration, overall_score, dimension_scores, issues,
		 hard_fail_flags, recommendations, raw_report, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		report.ID, report.JobID, report.Iteration, report.OverallScore,
		encodeJSON(report.DimensionScores), encodeJSON(report.Issues),
		encodeJSON(report.HardFailFlags), encodeJSON(report.Recommendations),
		encodeJSON(report.RawReport), encodeTime(report.CreatedAt))
	if err != nil {
		return model.QAReport{}, fmt.Errorf("insert qa report: %w", err)
	}
	return report, nil
}

type qaRow struct {
	ID              string  `db:"id"`
	JobID           string  `db:"job_id"`
	Iteration       int     `db:"iteration"`
	OverallScore    float64 `db:"overall_score"`
	DimensionScores string  `db:"dimension_scores"`
	Issues          string  `db:"issues"`
	HardFailFlags   string  `db:"hard_fail_flags"`
	Recommendations string  `db:"recommendations"`
	RawReport       string  `db:"raw_report"`
	CreatedAt       string  `db:"created_at"`
}

func (r qaRow) toReport() model.QAReport {
	report := model.QAReport{
		ID:              r.ID,
		JobID:           r.JobID,
		Iteration:       r.Iteration,
		OverallScore:    r.OverallScore,
		DimensionScores: map[string]float64{},
		CreatedAt:       decodeTime(r.CreatedAt),
	}
	_ = json.Unmarshal([]byte(r.DimensionScores), &report.DimensionScores)
	_ = json.Unmarshal([]byte(r.Issues), &report.Issues)
	_ = json.Unmarshal([]byte(r.HardFailFlags), &report.HardFailFlags)
	_ = json.Unmarshal([]byte(r.Recommendations), &report.Recommendations)
	_ = json.Unmarshal([]byte(r.RawReport), &report.RawReport)
	return report
}

// LatestQAReport returns the most recent QA report for a job.
func (s *Store) LatestQAReport(ctx context.Context, jobID string) (model.QAReport, error) {
	var row qaRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT * FROM qa_reports WHERE job_id = ? ORDER BY iteration DESC LIMIT 1`), jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QAReport{}, fmt.Errorf("qa report for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return model.QAReport{}, fmt.Errorf("get qa report: %w", err)
	}
	return row.toReport(), nil
}

// QAReports lists all QA reports for a job in iteration order.
func (s *Store) QAReports(ctx context.Context, jobID string) ([]model.QAReport, error) {
	var rows []qaRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM qa_reports WHERE job_id = ? ORDER BY iteration`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list qa reports: %w", err)
	}
	reports := make([]model.QAReport, 0, len(rows))
	for _, r := range rows {
		reports = append(reports, r.toReport())
	}
	return reports, nil
}

// InsertSafetyEvent persists one safety precheck audit record.
func (s *Store) InsertSafetyEvent(ctx context.Context, ev model.SafetyEvent) (model.SafetyEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = s.now()
	blocked := 0
	if ev.Blocked {
		blocked = 1
	}
	query := s.db.Rebind(`INSERT INTO safety_events
		(id, job_id, blocked, rule_ids, reason, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.JobID, blocked, encodeJSON(ev.RuleIDs), ev.Reason,
		encodeJSON(ev.Payload), encodeTime(ev.CreatedAt))
	if err != nil {
		return model.SafetyEvent{}, fmt.Errorf("insert safety event: %w", err)
	}
	return ev, nil
}

// SafetyEvents lists a job's safety audit records in order.
func (s *Store) SafetyEvents(ctx context.Context, jobID string) ([]model.SafetyEvent, error) {
	type safetyRow struct {
		ID        string `db:"id"`
		JobID     string `db:"job_id"`
		Blocked   int    `db:"blocked"`
		RuleIDs   string `db:"rule_ids"`
		Reason    string `db:"reason"`
		Payload   string `db:"payload"`
		CreatedAt string `db:"created_at"`
	}
	var rows []safetyRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM safety_events WHERE job_id = ? ORDER BY created_at`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list safety events: %w", err)
	}
	events := make([]model.SafetyEvent, 0, len(rows))
	for _, r := range rows {
		ev := model.SafetyEvent{
			ID:        r.ID,
			JobID:     r.JobID,
			Blocked:   r.Blocked != 0,
			Reason:    r.Reason,
			CreatedAt: decodeTime(r.CreatedAt),
		}
		_ = json.Unmarshal([]byte(r.RuleIDs), &ev.RuleIDs)
		_ = json.Unmarshal([]byte(r.Payload), &ev.Payload)
		events = append(events, ev)
	}
	return events, nil
}

// InsertReviewAction persists one human review decision.
func (s *Store) InsertReviewAction(ctx context.Context, action model.ReviewAction) (model.ReviewAction, error) {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	action.CreatedAt = s.now()
	query := s.db.Rebind(`INSERT INTO review_actions
		(id, job_id, decision, reviewer, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		action.ID, action.JobID, string(action.Decision), action.Reviewer,
		action.Reason, encodeTime(action.CreatedAt))
	if err != nil {
		return model.ReviewAction{}, fmt.Errorf("insert review action: %w", err)
	}
	return action, nil
}

type caseRow struct {
	ID            string `db:"id"`
	JobID         string `db:"job_id"`
	TaskSummary   string `db:"task_summary"`
	Tags          string `db:"tags"`
	FailureReason string `db:"failure_reason"`
	FixStrategy   string `db:"fix_strategy"`
	FinalMetrics  string `db:"final_metrics"`
	Embedding     string `db:"embedding"`
	CreatedAt     string `db:"created_at"`
}

func (r caseRow) toCase() model.CaseRecord {
	c := model.CaseRecord{
		ID:            r.ID,
		JobID:         r.JobID,
		TaskSummary:   r.TaskSummary,
		FailureReason: r.FailureReason,
		FixStrategy:   r.FixStrategy,
		FinalMetrics:  map[string]any{},
		CreatedAt:     decodeTime(r.CreatedAt),
	}
	_ = json.Unmarshal([]byte(r.Tags), &c.Tags)
	_ = json.Unmarshal([]byte(r.FinalMetrics), &c.FinalMetrics)
	_ = json.Unmarshal([]byte(r.Embedding), &c.Embedding)
	return c
}

// InsertCase archives one case record.
func (s *Store) InsertCase(ctx context.Context, c model.CaseRecord) (model.CaseRecord, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	query := s.db.Rebind(`INSERT INTO cases
		(id, job_id, task_summary, tags, failure_reason, fix_strategy,
		 final_metrics, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.JobID, c.TaskSummary, encodeJSON(c.Tags), c.FailureReason,
		c.FixStrategy, encodeJSON(c.FinalMetrics), encodeJSON(c.Embedding),
		encodeTime(c.CreatedAt))
	if err != nil {
		return model.CaseRecord{}, fmt.Errorf("insert case: %w", err)
	}
	return c, nil
}

// Case fetches one case by id.
func (s *Store) Case(ctx context.Context, id string) (model.CaseRecord, error) {
	var row caseRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM cases WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CaseRecord{}, fmt.Errorf("case %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.CaseRecord{}, fmt.Errorf("get case: %w", err)
	}
	return row.toCase(), nil
}

// RecentCases returns up to limit cases, newest first. Used by the lexical
// search fallback when the vector index is unavailable.
func (s *Store) RecentCases(ctx context.Context, limit int) ([]model.CaseRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []caseRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT * FROM cases ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	cases := make([]model.CaseRecord, 0, len(rows))
	for _, r := range rows {
		cases = append(cases, r.toCase())
	}
	return cases, nil
}

// UpsertBundle writes one catalog row, replacing any existing row by name.
func (s *Store) UpsertBundle(ctx context.Context, b model.ModelBundle) error {
	del := s.db.Rebind(`DELETE FROM model_bundles WHERE name = ?`)
	if _, err := s.db.ExecContext(ctx, del, b.Name); err != nil {
		return fmt.Errorf("upsert bundle: %w", err)
	}
	ins := s.db.Rebind(`INSERT INTO model_bundles
		(name, min_vram_gb, estimated_time_minutes, download_size_gb,
		 quality_tier, enabled_modules)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, ins,
		b.Name, b.MinVRAMGB, b.EstimatedTimeMinutes, b.DownloadSizeGB,
		b.QualityTier, encodeJSON(b.EnabledModules))
	if err != nil {
		return fmt.Errorf("upsert bundle: %w", err)
	}
	return nil
}

type bundleRow struct {
	Name                 string  `db:"name"`
	MinVRAMGB            int     `db:"min_vram_gb"`
	EstimatedTimeMinutes int     `db:"estimated_time_minutes"`
	DownloadSizeGB       float64 `db:"download_size_gb"`
	QualityTier          string  `db:"quality_tier"`
	EnabledModules       string  `db:"enabled_modules"`
}

func (r bundleRow) toBundle() model.ModelBundle {
	b := model.ModelBundle{
		Name:                 r.Name,
		MinVRAMGB:            r.MinVRAMGB,
		EstimatedTimeMinutes: r.EstimatedTimeMinutes,
		DownloadSizeGB:       r.DownloadSizeGB,
		QualityTier:          r.QualityTier,
	}
	_ = json.Unmarshal([]byte(r.EnabledModules), &b.EnabledModules)
	return b
}

// Bundle fetches one catalog row by name.
func (s *Store) Bundle(ctx context.Context, name string) (model.ModelBundle, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT * FROM model_bundles WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelBundle{}, fmt.Errorf("bundle %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.ModelBundle{}, fmt.Errorf("get bundle: %w", err)
	}
	return row.toBundle(), nil
}

// Bundles lists the catalog ordered by VRAM requirement descending.
func (s *Store) Bundles(ctx context.Context) ([]model.ModelBundle, error) {
	var rows []bundleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM model_bundles ORDER BY min_vram_gb DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	bundles := make([]model.ModelBundle, 0, len(rows))
	for _, r := range rows {
		bundles = append(bundles, r.toBundle())
	}
	return bundles, nil
}
