// Package history provides SQLite-backed, append-only persistence of run
// outcomes for listing and aggregate metrics.
package history

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

// Record is one persisted run summary.
type Record struct {
	ID            string     `json:"id"`
	ConfigDigest  string     `json:"config"`
	Task          string     `json:"task"`
	Model         string     `json:"model"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	Iterations    int        `json:"iterations"`
	ArtifactCount int        `json:"artifact_count"`
	DurationMS    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Metrics aggregates the persisted history.
type Metrics struct {
	TotalRuns     int     `json:"total_runs"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Cancelled     int     `json:"cancelled"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS int64   `json:"avg_duration_ms"`
}

// Store provides the run history database.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// New creates a Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// SQLite handles one writer; a single pooled connection also keeps
	// :memory: databases coherent across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// FromRun builds a history record from a terminal run.
func FromRun(run *domain.Run, artifactCount int) *Record {
	task := run.Config.TemplateID
	if task == "" {
		task = "custom"
	}
	rec := &Record{
		ID:            run.ID,
		ConfigDigest:  run.Config.Digest(),
		Task:          task,
		Model:         run.Config.Model,
		Status:        string(run.Status),
		Reason:        string(run.Reason),
		Iterations:    run.Iteration,
		ArtifactCount: artifactCount,
		CreatedAt:     run.CreatedAt,
		FinishedAt:    run.FinishedAt,
	}
	if run.FinishedAt != nil {
		rec.DurationMS = run.FinishedAt.Sub(run.CreatedAt).Milliseconds()
	}
	return rec
}

// Record appends a run summary. The history is append-only: a second call
// for the same run id is a no-op, so a double terminal transition cannot
// corrupt the stored record. Writes are serialized.
func (s *Store) Record(rec *Record) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO runs (id, config, task, model, status, reason, iterations, artifact_count, duration_ms, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.ConfigDigest,
		rec.Task,
		rec.Model,
		rec.Status,
		rec.Reason,
		rec.Iterations,
		rec.ArtifactCount,
		rec.DurationMS,
		rec.CreatedAt,
		rec.FinishedAt,
	)
	return err
}

// Get retrieves a record by run id; nil if absent.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, config, task, model, status, reason, iterations, artifact_count, duration_ms, created_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// List returns run summaries most-recent-first.
func (s *Store) List(limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(`
		SELECT id, config, task, model, status, reason, iterations, artifact_count, duration_ms, created_at, finished_at
		FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Aggregate computes success rate and average duration over all history.
func (s *Store) Aggregate() (*Metrics, error) {
	row := s.db.QueryRow(`
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			AVG(duration_ms)
		FROM runs
	`, string(domain.RunCompleted), string(domain.RunFailed), string(domain.RunCancelled))

	var total int
	var completed, failed, cancelled sql.NullInt64
	var avgDuration sql.NullFloat64
	if err := row.Scan(&total, &completed, &failed, &cancelled, &avgDuration); err != nil {
		return nil, err
	}

	m := &Metrics{
		TotalRuns: total,
		Completed: int(completed.Int64),
		Failed:    int(failed.Int64),
		Cancelled: int(cancelled.Int64),
	}
	if total > 0 {
		m.SuccessRate = float64(m.Completed) / float64(total) * 100
	}
	if avgDuration.Valid {
		m.AvgDurationMS = int64(avgDuration.Float64)
	}
	return m, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var reason sql.NullString
	var finishedAt sql.NullTime

	err := scan(&rec.ID, &rec.ConfigDigest, &rec.Task, &rec.Model, &rec.Status, &reason,
		&rec.Iterations, &rec.ArtifactCount, &rec.DurationMS, &rec.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		rec.Reason = reason.String
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}
