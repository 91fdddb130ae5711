package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/db"
	"github.com/civitas-labs/civicsync/internal/fetcher"
	"github.com/civitas-labs/civicsync/internal/ingest/resolve"
)

// Env bundles the transfer machinery handed to a source's fetch stage.
type Env struct {
	HTTP     *fetcher.HTTPFetcher
	FTP      *fetcher.FTPFetcher
	Detector *ChangeDetector
	DataDir  string
	Force    bool // skip change detection and re-download everything
	Session  int  // per-run legislative session override; 0 means configured
}

// Source is one upstream data source (campaign finance, legislative activity,
// trade disclosures). Fetch downloads whatever the source needs into local
// files, reporting changed=false when change detection shows nothing new.
// Extract turns the files into candidate records.
//
// Sources wrap download failures with Transient so the orchestrator can
// surface the retryable/terminal distinction to the scheduling layer.
type Source interface {
	Name() string
	WatermarkKey() string // "" disables watermark mode for this source
	Fetch(ctx context.Context, env *Env) (files []string, changed bool, err error)
	Extract(ctx context.Context, files []string) ([]Fact, error)
}

// RunOpts configures a single pipeline run.
type RunOpts struct {
	Force   bool // re-fetch even if change detection reports no change
	Session int  // legislative session override; 0 uses the configured number
}

// Result is the structured summary of one pipeline run, returned to the
// trigger boundary. Retry decisions belong to the caller: Transient marks
// the failure as retryable.
type Result struct {
	Success         bool          `json:"success" yaml:"success"`
	Transient       bool          `json:"transient" yaml:"transient"`
	RunID           int64         `json:"run_id" yaml:"run_id"`
	StagesCompleted []string      `json:"stages_completed" yaml:"stages_completed"`
	RowsProcessed   int64         `json:"rows_processed" yaml:"rows_processed"`
	RowsInserted    int64         `json:"rows_inserted" yaml:"rows_inserted"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
	Errors          []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Engine composes change detection, fetch, extraction, resolution, and upsert
// into one end-to-end run per source. It never panics or propagates errors
// past its own boundary: every outcome is a Result plus a terminal run record.
type Engine struct {
	pool      db.Pool
	http      *fetcher.HTTPFetcher
	ftp       *fetcher.FTPFetcher
	runlog    *RunLog
	detector  *ChangeDetector
	sources   map[string]Source
	dataDir   string
	batchSize int
	log       *zap.Logger
}

// NewEngine creates an Engine. Sources are added with Register.
func NewEngine(pool db.Pool, httpFetcher *fetcher.HTTPFetcher, ftpFetcher *fetcher.FTPFetcher, dataDir string, batchSize int) *Engine {
	return &Engine{
		pool:      pool,
		http:      httpFetcher,
		ftp:       ftpFetcher,
		runlog:    NewRunLog(pool),
		detector:  NewChangeDetector(pool, httpFetcher),
		sources:   make(map[string]Source),
		dataDir:   dataDir,
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "ingest.engine")),
	}
}

// Register adds a source to the engine.
func (e *Engine) Register(s Source) {
	e.sources[s.Name()] = s
}

// Sources returns the registered source names, sorted.
func (e *Engine) Sources() []string {
	names := make([]string, 0, len(e.sources))
	for name := range e.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunLog exposes the engine's run log for read-side callers (CLI, API).
func (e *Engine) RunLog() *RunLog {
	return e.runlog
}

// Run executes one pipeline end to end: start run, change-detect and fetch,
// extract, resolve and upsert, finish run. Stage errors downgrade the run to
// partial or error status but never escape; committed work (watermarks,
// dedup keys, flushed batches) is preserved so the next attempt resumes
// without double-processing.
func (e *Engine) Run(ctx context.Context, name string, opts RunOpts) (res Result) {
	start := time.Now()
	log := e.log.With(zap.String("pipeline", name))

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Errors = append(res.Errors, fmt.Sprintf("panic: %v", r))
			res.Duration = time.Since(start)
			log.Error("pipeline panicked", zap.Any("panic", r))
			if res.RunID != 0 {
				// The run record must still reach a terminal status.
				if err := e.runlog.Finish(ctx, res.RunID, StatusError, res.RowsProcessed, res.RowsInserted, firstError(res.Errors)); err != nil {
					log.Error("failed to finish run record", zap.Error(err))
				}
			}
		}
	}()

	src, ok := e.sources[name]
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown source %q", name))
		res.Duration = time.Since(start)
		return res
	}

	runID, err := e.runlog.Start(ctx, name)
	if err != nil {
		res.Transient = true
		res.Errors = append(res.Errors, err.Error())
		res.Duration = time.Since(start)
		log.Error("failed to start run record", zap.Error(err))
		return res
	}
	res.RunID = runID
	log.Info("run started", zap.Int64("run_id", runID))

	finish := func(status, notes string) {
		if err := e.runlog.Finish(ctx, runID, status, res.RowsProcessed, res.RowsInserted, notes); err != nil {
			// Bookkeeping failures are logged, never escalated.
			log.Error("failed to finish run record", zap.Error(err))
		}
		res.Duration = time.Since(start)
		log.Info("run finished",
			zap.String("status", status),
			zap.Int64("rows_processed", res.RowsProcessed),
			zap.Int64("rows_inserted", res.RowsInserted),
			zap.Duration("elapsed", res.Duration),
		)
	}

	env := &Env{
		HTTP:     e.http,
		FTP:      e.ftp,
		Detector: e.detector,
		DataDir:  e.dataDir,
		Force:    opts.Force,
		Session:  opts.Session,
	}

	files, changed, err := src.Fetch(ctx, env)
	if err != nil {
		res.Transient = IsTransient(err)
		res.Errors = append(res.Errors, err.Error())
		finish(StatusError, firstError(res.Errors))
		return res
	}
	res.StagesCompleted = append(res.StagesCompleted, "fetch")

	if !changed {
		res.Success = true
		finish(StatusCompleted, "source unchanged; extraction and upsert skipped")
		return res
	}

	facts, err := src.Extract(ctx, files)
	if err != nil && len(facts) == 0 {
		res.Transient = IsTransient(err)
		res.Errors = append(res.Errors, err.Error())
		finish(StatusError, firstError(res.Errors))
		return res
	}
	if err != nil {
		// Partial extraction: keep what we got, record the failure.
		res.Errors = append(res.Errors, err.Error())
		log.Warn("extraction partially failed", zap.Error(err), zap.Int("facts", len(facts)))
	}
	res.StagesCompleted = append(res.StagesCompleted, "extract")

	resolver, err := resolve.NewResolver(ctx, e.pool)
	if err != nil {
		res.Transient = true
		res.Errors = append(res.Errors, err.Error())
		finish(StatusPartial, firstError(res.Errors))
		return res
	}

	upserter := NewUpserter(e.pool, e.runlog, resolver, e.batchSize)
	stats, err := upserter.UpsertFacts(ctx, runID, name, facts, src.WatermarkKey())
	res.RowsProcessed = stats.Processed
	res.RowsInserted = stats.Inserted
	if err != nil {
		// Flushed batches and the watermark are already committed; the next
		// run resumes from there.
		res.Transient = IsTransient(err)
		res.Errors = append(res.Errors, err.Error())
		finish(StatusPartial, firstError(res.Errors)+"; "+stats.Summary())
		return res
	}
	res.StagesCompleted = append(res.StagesCompleted, "upsert")

	if len(res.Errors) > 0 {
		finish(StatusPartial, firstError(res.Errors)+"; "+stats.Summary())
		return res
	}

	res.Success = true
	finish(StatusCompleted, stats.Summary())
	return res
}

// firstError returns the first (most significant) error for run notes.
func firstError(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errs[0] + fmt.Sprintf(" (+%d more)", len(errs)-1)
}

// JoinErrors renders all errors for display.
func JoinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}
