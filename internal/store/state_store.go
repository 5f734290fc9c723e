package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/0001_init.sql
var initSchema string

// StateStore is the program-owned half of the hybrid store: runtime job
// state and run history, held in a single embedded SQLite file opened
// with WAL journaling, its schema created lazily on first start.
type StateStore struct {
	db *sqlx.DB
	mu sync.Mutex
}

// NewStateStore opens (creating if necessary) the state database at path
// and lazily applies the schema.
func NewStateStore(path string) (*StateStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	s := &StateStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return s, nil
}

func (s *StateStore) migrate() error {
	_, err := s.db.Exec(initSchema)
	return err
}

// Close releases the underlying database handle.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// GetState returns the state row for jobID, if any.
func (s *StateStore) GetState(jobID string) (*JobState, error) {
	var st JobState
	err := s.db.Get(&st, `SELECT * FROM job_state WHERE job_id = ?`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job state %s: %w", jobID, err)
	}
	return &st, nil
}

// EnsureState returns the existing state row for defaultState.JobID, or
// inserts defaultState and returns it if no row exists yet. Used during
// reconciliation: "create with initial state if missing, else attach
// existing state."
func (s *StateStore) EnsureState(defaultState JobState) (JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetState(defaultState.JobID)
	if err != nil {
		return JobState{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	_, err = s.db.NamedExec(`
		INSERT INTO job_state (job_id, status, next_run_at_ms, last_run_at_ms, last_status,
			run_count, failure_count, consecutive_failures, last_error, created_at_ms, updated_at_ms)
		VALUES (:job_id, :status, :next_run_at_ms, :last_run_at_ms, :last_status,
			:run_count, :failure_count, :consecutive_failures, :last_error, :created_at_ms, :updated_at_ms)
	`, defaultState)
	if err != nil {
		return JobState{}, fmt.Errorf("insert job state %s: %w", defaultState.JobID, err)
	}
	return defaultState, nil
}

// SaveState upserts the full state row for a job.
func (s *StateStore) SaveState(st JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExec(`
		INSERT INTO job_state (job_id, status, next_run_at_ms, last_run_at_ms, last_status,
			run_count, failure_count, consecutive_failures, last_error, created_at_ms, updated_at_ms)
		VALUES (:job_id, :status, :next_run_at_ms, :last_run_at_ms, :last_status,
			:run_count, :failure_count, :consecutive_failures, :last_error, :created_at_ms, :updated_at_ms)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			next_run_at_ms = excluded.next_run_at_ms,
			last_run_at_ms = excluded.last_run_at_ms,
			last_status = excluded.last_status,
			run_count = excluded.run_count,
			failure_count = excluded.failure_count,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error,
			updated_at_ms = excluded.updated_at_ms
	`, st)
	if err != nil {
		return fmt.Errorf("save job state %s: %w", st.JobID, err)
	}
	return nil
}

// DeleteOrphanStates removes state rows whose job_id is not in keepIDs.
// Part of startup reconciliation.
func (s *StateStore) DeleteOrphanStates(keepIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := allStateJobIDs(s.db)
	if err != nil {
		return err
	}
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}

	for _, id := range ids {
		if keep[id] {
			continue
		}
		if err := deleteStateAndRunsUnsafe(s.db, id); err != nil {
			return fmt.Errorf("delete orphan state %s: %w", id, err)
		}
	}
	return nil
}

func allStateJobIDs(db *sqlx.DB) ([]string, error) {
	var ids []string
	if err := db.Select(&ids, `SELECT job_id FROM job_state`); err != nil {
		return nil, fmt.Errorf("list job state ids: %w", err)
	}
	return ids, nil
}

// DeleteStateAndRuns cascades a job deletion: its state row and all run
// history.
func (s *StateStore) DeleteStateAndRuns(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteStateAndRunsUnsafe(s.db, jobID)
}

func deleteStateAndRunsUnsafe(db *sqlx.DB, jobID string) error {
	tx, err := db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM job_runs WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM job_state WHERE job_id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListStates returns every state row, for List()'s use.
func (s *StateStore) ListStates() ([]JobState, error) {
	var states []JobState
	if err := s.db.Select(&states, `SELECT * FROM job_state`); err != nil {
		return nil, fmt.Errorf("list job states: %w", err)
	}
	return states, nil
}

// DueStateIDs returns job ids whose state is active and armed at or
// before beforeMS, ordered by next_run_at_ms ascending.
func (s *StateStore) DueStateIDs(beforeMS int64) ([]string, error) {
	var ids []string
	err := s.db.Select(&ids, `
		SELECT job_id FROM job_state
		WHERE status = ? AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?
		ORDER BY next_run_at_ms ASC
	`, StatusActive, beforeMS)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	return ids, nil
}

// SaveRun appends a run history record.
func (s *StateStore) SaveRun(run JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.NamedExec(`
		INSERT INTO job_runs (id, job_id, started_at_ms, finished_at_ms, status, result, error, duration_ms)
		VALUES (:id, :job_id, :started_at_ms, :finished_at_ms, :status, :result, :error, :duration_ms)
	`, run)
	if err != nil {
		return fmt.Errorf("save job run %s: %w", run.ID, err)
	}
	return nil
}

// Runs returns run history matching filter, plus the total matching count
// (ignoring Limit/Offset), newest first.
func (s *StateStore) Runs(filter RunFilter) ([]JobRun, int, error) {
	where := ""
	args := []any{}
	if filter.JobID != "" {
		where += " AND job_id = ?"
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM job_runs WHERE 1=1` + where
	if err := s.db.Get(&total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count job runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM job_runs WHERE 1=1` + where + ` ORDER BY started_at_ms DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	var runs []JobRun
	if err := s.db.Select(&runs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list job runs: %w", err)
	}
	return runs, total, nil
}

// JobStats summarizes one job's run history.
func (s *StateStore) JobStats(jobID string) (JobStats, error) {
	stats := JobStats{JobID: jobID}

	row := struct {
		Total   int    `db:"total"`
		OK      int    `db:"ok"`
		Failed  int    `db:"failed"`
		Skipped int    `db:"skipped"`
		Timeout int    `db:"timeout"`
		AvgDur  int64  `db:"avg_dur"`
		LastRun *int64 `db:"last_run"`
	}{}

	err := s.db.Get(&row, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END), 0) AS ok,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'skipped' THEN 1 ELSE 0 END), 0) AS skipped,
			COALESCE(SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END), 0) AS timeout,
			COALESCE(AVG(duration_ms), 0) AS avg_dur,
			MAX(started_at_ms) AS last_run
		FROM job_runs WHERE job_id = ?
	`, jobID)
	if err != nil {
		return stats, fmt.Errorf("job stats %s: %w", jobID, err)
	}

	stats.TotalRuns = row.Total
	stats.OKRuns = row.OK
	stats.FailedRuns = row.Failed
	stats.SkippedRuns = row.Skipped
	stats.TimeoutRuns = row.Timeout
	stats.AvgDurationMS = row.AvgDur
	stats.LastRunAtMS = row.LastRun
	return stats, nil
}

// TodayStats summarizes run counts by status for runs started at or after
// sinceMS (the caller computes local-day boundaries).
func (s *StateStore) TodayStats(sinceMS int64) (map[string]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM job_runs WHERE started_at_ms >= ? GROUP BY status
	`, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("today stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan today stats: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// DeleteOldRuns removes run records older than beforeMS, returning the
// number of rows removed.
func (s *StateStore) DeleteOldRuns(beforeMS int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM job_runs WHERE started_at_ms < ?`, beforeMS)
	if err != nil {
		return 0, fmt.Errorf("delete old runs: %w", err)
	}
	return res.RowsAffected()
}
