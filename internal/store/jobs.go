package store

import (
	"database/sql"
	"fmt"
)

// Consolidation job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// JobCounts are the per-job processing counters.
type JobCounts struct {
	Scanned  int
	Promoted int
	Archived int
	Merged   int
	Failed   int
}

// ConsolidationJob is one tier sweep. Cursor is the last record id the
// sweep got through; a successor job seeds from it when the sweep was
// interrupted.
type ConsolidationJob struct {
	ID         string
	Tier       string
	Status     string
	Cursor     string
	BatchSize  int
	Counts     JobCounts
	Error      string
	CreatedAt  int64
	StartedAt  int64
	FinishedAt int64
}

const jobColumns = `id, tier, status, cursor, batch_size,
	scanned, promoted, archived, merged, failed,
	error, created_at, started_at, finished_at`

// CreateJob inserts a pending job for a tier, seeded with a resume cursor.
func (db *DB) CreateJob(id, tier, cursor string, batchSize int, now int64) (*ConsolidationJob, error) {
	_, err := db.Exec(`
		INSERT INTO consolidation_jobs (id, tier, status, cursor, batch_size, created_at)
		VALUES (?, ?, 'pending', ?, ?, ?)
	`, id, tier, cursor, batchSize, now)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return db.GetJob(id)
}

// GetJob returns a job by id, or nil if not found.
func (db *DB) GetJob(id string) (*ConsolidationJob, error) {
	row := db.QueryRow(`SELECT `+jobColumns+` FROM consolidation_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// StartJob moves a job from pending to running. Returns false if the job
// was already claimed.
func (db *DB) StartJob(id string, now int64) (bool, error) {
	result, err := db.Exec(`
		UPDATE consolidation_jobs SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("start job: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// UpdateJobProgress persists the cursor and running counters mid-sweep.
func (db *DB) UpdateJobProgress(id, cursor string, counts JobCounts) error {
	_, err := db.Exec(`
		UPDATE consolidation_jobs SET cursor = ?,
			scanned = ?, promoted = ?, archived = ?, merged = ?, failed = ?
		WHERE id = ?
	`, cursor, counts.Scanned, counts.Promoted, counts.Archived, counts.Merged, counts.Failed, id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// FinishJob closes a job as done or failed with its final counters.
func (db *DB) FinishJob(id, status, errMsg string, counts JobCounts, now int64) error {
	_, err := db.Exec(`
		UPDATE consolidation_jobs SET status = ?, error = ?,
			scanned = ?, promoted = ?, archived = ?, merged = ?, failed = ?,
			finished_at = ?
		WHERE id = ?
	`, status, errMsg, counts.Scanned, counts.Promoted, counts.Archived, counts.Merged, counts.Failed, now, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// AdoptInterruptedJob finds a job left running by a crashed process, marks
// it failed, and returns it so its cursor can seed the next sweep. Returns
// nil when no running job exists for the tier.
func (db *DB) AdoptInterruptedJob(tier string, now int64) (*ConsolidationJob, error) {
	row := db.QueryRow(`
		SELECT `+jobColumns+` FROM consolidation_jobs
		WHERE tier = ? AND status = 'running'
		ORDER BY created_at
		LIMIT 1
	`, tier)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find interrupted job: %w", err)
	}

	result, err := db.Exec(`
		UPDATE consolidation_jobs SET status = 'failed', error = 'interrupted', finished_at = ?
		WHERE id = ? AND status = 'running'
	`, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("adopt interrupted job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	job.Status = JobFailed
	job.Error = "interrupted"
	job.FinishedAt = now
	return job, nil
}

// RecentJobs returns the newest jobs first.
func (db *DB) RecentJobs(limit int) ([]ConsolidationJob, error) {
	rows, err := db.Query(`
		SELECT `+jobColumns+` FROM consolidation_jobs
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ConsolidationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row rowScanner) (*ConsolidationJob, error) {
	var j ConsolidationJob
	var startedAt, finishedAt sql.NullInt64
	if err := row.Scan(&j.ID, &j.Tier, &j.Status, &j.Cursor, &j.BatchSize,
		&j.Counts.Scanned, &j.Counts.Promoted, &j.Counts.Archived, &j.Counts.Merged, &j.Counts.Failed,
		&j.Error, &j.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		j.StartedAt = startedAt.Int64
	}
	if finishedAt.Valid {
		j.FinishedAt = finishedAt.Int64
	}
	return &j, nil
}

// DeadLetter is a record excluded from consolidation after repeated
// failures.
type DeadLetter struct {
	RecordID  string
	Failures  int
	LastError string
	UpdatedAt int64
}

// RecordFailure counts a consolidation failure against a record and
// returns the updated consecutive-failure count.
func (db *DB) RecordFailure(recordID, errMsg string, now int64) (int, error) {
	var failures int
	err := db.QueryRow(`
		INSERT INTO dead_letters (record_id, failures, last_error, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			failures = failures + 1, last_error = excluded.last_error, updated_at = excluded.updated_at
		RETURNING failures
	`, recordID, errMsg, now).Scan(&failures)
	if err != nil {
		return 0, fmt.Errorf("record failure: %w", err)
	}
	return failures, nil
}

// ClearFailures resets a record's failure count after it processes cleanly.
func (db *DB) ClearFailures(recordID string) error {
	_, err := db.Exec(`DELETE FROM dead_letters WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	return nil
}

// ListDeadLetters returns records whose failure count has reached the
// retry budget.
func (db *DB) ListDeadLetters(retryBudget, limit int) ([]DeadLetter, error) {
	rows, err := db.Query(`
		SELECT record_id, failures, last_error, updated_at FROM dead_letters
		WHERE failures >= ?
		ORDER BY updated_at DESC, record_id
		LIMIT ?
	`, retryBudget, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.RecordID, &d.Failures, &d.LastError, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// CountDeadLetters returns how many records are currently dead-lettered.
func (db *DB) CountDeadLetters(retryBudget int) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE failures >= ?`, retryBudget).Scan(&count)
	return count, err
}
