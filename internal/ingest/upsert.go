package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/db"
	"github.com/civitas-labs/civicsync/internal/ingest/resolve"
)

const defaultBatchSize = 5000

// UpsertStats aggregates the outcome of an upsert pass.
type UpsertStats struct {
	Processed  int64 // records resolved and handed to the writer
	Inserted   int64 // fact rows actually inserted (duplicates excluded)
	Skipped    int64 // records at or before the watermark
	Unresolved int64 // records whose name could not be resolved
	Malformed  int64 // records with an unusable payload
}

// Upserter persists candidate records against the canonical schema: resolves
// each subject, skips already-ingested data via watermark and dedup key, and
// writes in bounded batches with advisory progress updates between them.
type Upserter struct {
	pool      db.Pool
	runlog    *RunLog
	resolver  *resolve.Resolver
	batchSize int
	log       *zap.Logger
}

// NewUpserter creates an Upserter. batchSize <= 0 selects the default.
func NewUpserter(pool db.Pool, runlog *RunLog, resolver *resolve.Resolver, batchSize int) *Upserter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Upserter{
		pool:      pool,
		runlog:    runlog,
		resolver:  resolver,
		batchSize: batchSize,
		log:       zap.L().With(zap.String("component", "ingest.upsert")),
	}
}

// tableBatch accumulates rows bound for one fact table.
type tableBatch struct {
	table        string
	columns      []string
	conflictKeys []string
	rows         [][]any
}

// UpsertFacts processes candidate records for one pipeline run. Individual
// record failures (unresolvable names, malformed payloads) are counted and
// skipped, never aborting the batch; storage errors abort and surface to the
// orchestrator with any previously flushed batches already committed.
//
// With a non-empty watermarkKey, records at or before the stored watermark
// are skipped and the maximum event time seen is persisted afterward, making
// reruns strictly additive.
func (u *Upserter) UpsertFacts(ctx context.Context, runID int64, pipeline string, facts []Fact, watermarkKey string) (*UpsertStats, error) {
	stats := &UpsertStats{}

	var watermark *time.Time
	if watermarkKey != "" {
		var err error
		watermark, err = u.runlog.LastWatermark(ctx, pipeline, watermarkKey)
		if err != nil {
			return stats, err
		}
	}

	batches := make(map[string]*tableBatch)
	var maxSeen time.Time

	for _, fact := range facts {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		if watermark != nil && !fact.EventTime.IsZero() && !fact.EventTime.After(*watermark) {
			stats.Skipped++
			continue
		}

		id, match, err := u.resolver.Resolve(ctx,
			fact.Subject.Name,
			fact.Subject.ExternalID,
			fact.Subject.Source,
			resolve.Attrs{State: fact.Subject.State, Party: fact.Subject.Party},
		)
		if err != nil {
			if errors.Is(err, resolve.ErrUnresolvable) {
				stats.Unresolved++
				u.log.Debug("skipping unresolvable record",
					zap.String("pipeline", pipeline),
					zap.String("name", fact.Subject.Name),
				)
				continue
			}
			return stats, err
		}

		stats.Processed++
		if match == resolve.MatchCreated {
			u.log.Debug("record created new politician",
				zap.String("pipeline", pipeline),
				zap.Int64("politician_id", id),
			)
		}

		if fact.Table == "" {
			continue // roster-only record
		}
		if len(fact.Columns) != len(fact.Values) {
			stats.Malformed++
			u.log.Warn("dropping fact with mismatched payload",
				zap.String("pipeline", pipeline),
				zap.String("table", fact.Table),
				zap.Int("columns", len(fact.Columns)),
				zap.Int("values", len(fact.Values)),
			)
			continue
		}

		// Only records handed to the writer may advance the watermark; a
		// dropped record must stay reachable on the next run.
		if fact.EventTime.After(maxSeen) {
			maxSeen = fact.EventTime
		}

		batch, ok := batches[fact.Table]
		if !ok {
			batch = &tableBatch{
				table:        fact.Table,
				columns:      append([]string{"politician_id"}, fact.Columns...),
				conflictKeys: fact.ConflictKeys,
			}
			batches[fact.Table] = batch
		}

		row := make([]any, 0, len(fact.Values)+1)
		row = append(row, id)
		row = append(row, fact.Values...)
		batch.rows = append(batch.rows, row)

		if len(batch.rows) >= u.batchSize {
			if err := u.flush(ctx, batch, stats); err != nil {
				return stats, err
			}
			u.runlog.Update(ctx, runID, stats.Processed, stats.Inserted, "")
		}
	}

	for _, batch := range batches {
		if err := u.flush(ctx, batch, stats); err != nil {
			return stats, err
		}
	}

	if watermarkKey != "" && !maxSeen.IsZero() {
		if err := u.runlog.SetWatermark(ctx, pipeline, watermarkKey, maxSeen); err != nil {
			return stats, err
		}
	}

	u.log.Info("upsert pass complete",
		zap.String("pipeline", pipeline),
		zap.Int64("processed", stats.Processed),
		zap.Int64("inserted", stats.Inserted),
		zap.Int64("skipped", stats.Skipped),
		zap.Int64("unresolved", stats.Unresolved),
		zap.Int64("malformed", stats.Malformed),
	)

	return stats, nil
}

// flush writes one table batch. DO NOTHING on the natural dedup key makes
// re-ingesting the same source data a no-op, so the affected-row count is
// exactly the number of new facts.
func (u *Upserter) flush(ctx context.Context, batch *tableBatch, stats *UpsertStats) error {
	if len(batch.rows) == 0 {
		return nil
	}
	n, err := db.BulkUpsert(ctx, u.pool, db.UpsertConfig{
		Table:        batch.table,
		Columns:      batch.columns,
		ConflictKeys: batch.conflictKeys,
		DoNothing:    true,
	}, batch.rows)
	if err != nil {
		return err
	}
	stats.Inserted += n
	batch.rows = batch.rows[:0]
	return nil
}

// Summary renders the stats for run notes.
func (s *UpsertStats) Summary() string {
	return fmt.Sprintf("processed=%d inserted=%d skipped=%d unresolved=%d malformed=%d",
		s.Processed, s.Inserted, s.Skipped, s.Unresolved, s.Malformed)
}
