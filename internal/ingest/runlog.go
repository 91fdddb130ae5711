package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/db"
)

// Run statuses. A run transitions running -> {completed | partial | error}.
// ended_at is NULL exactly while the run is in the running state.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusError     = "error"
)

// Run represents a row in civic.pipeline_runs.
type Run struct {
	ID            int64      `json:"id" yaml:"id"`
	Pipeline      string     `json:"pipeline" yaml:"pipeline"`
	Status        string     `json:"status" yaml:"status"`
	StartedAt     time.Time  `json:"started_at" yaml:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty" yaml:"ended_at,omitempty"`
	RowsProcessed int64      `json:"rows_processed" yaml:"rows_processed"`
	RowsInserted  int64      `json:"rows_inserted" yaml:"rows_inserted"`
	Notes         string     `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// RunLog provides read/write access to civic.pipeline_runs and the per-pipeline
// watermarks used for incremental continuation.
type RunLog struct {
	pool db.Pool
	log  *zap.Logger
}

// NewRunLog creates a RunLog backed by the given connection pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{
		pool: pool,
		log:  zap.L().With(zap.String("component", "ingest.runlog")),
	}
}

// Start records the beginning of a pipeline run and returns its ID.
func (r *RunLog) Start(ctx context.Context, pipeline string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO civic.pipeline_runs (pipeline, status, started_at)
		 VALUES ($1, 'running', now()) RETURNING id`,
		pipeline,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "runlog: start run for %s", pipeline)
	}
	return id, nil
}

// Update records mid-run progress. Updates are advisory: a failed bookkeeping
// write is logged and swallowed so it never blocks the processing path.
func (r *RunLog) Update(ctx context.Context, runID int64, processed, inserted int64, notes string) {
	_, err := r.pool.Exec(ctx,
		`UPDATE civic.pipeline_runs
		 SET rows_processed = $1, rows_inserted = $2, notes = $3
		 WHERE id = $4`,
		processed, inserted, notes, runID,
	)
	if err != nil {
		r.log.Warn("advisory run update failed",
			zap.Int64("run_id", runID),
			zap.Error(err),
		)
	}
}

// Finish marks a run as terminal with the given status, counts, and notes.
func (r *RunLog) Finish(ctx context.Context, runID int64, status string, processed, inserted int64, notes string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE civic.pipeline_runs
		 SET status = $1, ended_at = now(), rows_processed = $2, rows_inserted = $3, notes = $4
		 WHERE id = $5`,
		status, processed, inserted, notes, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: finish run %d", runID)
	}
	return nil
}

// Get returns a single run by ID, or nil if it does not exist.
func (r *RunLog) Get(ctx context.Context, runID int64) (*Run, error) {
	var run Run
	var endedAt *time.Time
	var notes *string
	err := r.pool.QueryRow(ctx,
		`SELECT id, pipeline, status, started_at, ended_at, rows_processed, rows_inserted, notes
		 FROM civic.pipeline_runs WHERE id = $1`,
		runID,
	).Scan(&run.ID, &run.Pipeline, &run.Status, &run.StartedAt, &endedAt, &run.RowsProcessed, &run.RowsInserted, &notes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: get run %d", runID)
	}
	run.EndedAt = endedAt
	if notes != nil {
		run.Notes = *notes
	}
	return &run, nil
}

// ListRecent returns the most recent runs, newest first.
func (r *RunLog) ListRecent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, pipeline, status, started_at, ended_at, rows_processed, rows_inserted, notes
		 FROM civic.pipeline_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var endedAt *time.Time
		var notes *string
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Status, &run.StartedAt, &endedAt, &run.RowsProcessed, &run.RowsInserted, &notes); err != nil {
			return nil, eris.Wrap(err, "runlog: scan run")
		}
		run.EndedAt = endedAt
		if notes != nil {
			run.Notes = *notes
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LastWatermark returns the stored watermark for (pipeline, key).
// Returns nil if no watermark has been recorded yet.
func (r *RunLog) LastWatermark(ctx context.Context, pipeline, key string) (*time.Time, error) {
	var t time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM civic.pipeline_watermarks WHERE pipeline = $1 AND key = $2`,
		pipeline, key,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog: last watermark for %s/%s", pipeline, key)
	}
	return &t, nil
}

// SetWatermark advances the watermark for (pipeline, key). The stored value
// only moves forward: setting an older value than the current one is a no-op.
func (r *RunLog) SetWatermark(ctx context.Context, pipeline, key string, value time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO civic.pipeline_watermarks (pipeline, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (pipeline, key)
		 DO UPDATE SET value = GREATEST(civic.pipeline_watermarks.value, EXCLUDED.value), updated_at = now()`,
		pipeline, key, value,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: set watermark for %s/%s", pipeline, key)
	}
	return nil
}
