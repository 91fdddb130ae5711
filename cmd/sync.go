package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/fetcher"
	"github.com/civitas-labs/civicsync/internal/ingest"
	"github.com/civitas-labs/civicsync/internal/ingest/source"
	"github.com/civitas-labs/civicsync/internal/pdftext"
)

var syncCmd = &cobra.Command{
	Use:   "sync [source...]",
	Short: "Run ingestion pipelines",
	Long: `Run ingestion pipelines end to end: change-detect, fetch, extract,
resolve, and upsert.

With no arguments every registered source runs; name sources to restrict
(fec, congress, trades). Use --force to re-fetch even when change detection
reports the upstream data unchanged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ingest.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "sync: migrate")
		}

		if err := os.MkdirAll(cfg.Ingest.DataDir, 0o755); err != nil {
			return eris.Wrapf(err, "sync: create data dir %s", cfg.Ingest.DataDir)
		}

		engine, err := buildEngine(pool)
		if err != nil {
			return err
		}

		names := args
		if len(names) == 0 {
			names = engine.Sources()
		}

		force, _ := cmd.Flags().GetBool("force")
		session, _ := cmd.Flags().GetInt("session")
		log.Info("starting sync", zap.Strings("sources", names), zap.Bool("force", force))

		failed := 0
		for _, name := range names {
			res := engine.Run(ctx, name, ingest.RunOpts{Force: force, Session: session})
			printResult(os.Stdout, name, res)
			if !res.Success {
				failed++
			}
		}

		if failed > 0 {
			return eris.Errorf("sync: %d of %d pipelines failed", failed, len(names))
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("force", false, "re-fetch even if sources report unchanged")
	syncCmd.Flags().Int("session", 0, "override the legislative session number for this run")
	rootCmd.AddCommand(syncCmd)
}

// buildEngine wires the fetchers, PDF text extraction, and sources.
func buildEngine(pool *pgxpool.Pool) (*ingest.Engine, error) {
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Ingest.UserAgent,
		MaxRetries: 3,
	})
	ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{})

	extractor, err := pdftext.NewExtractor(cfg.Trades.PDF)
	if err != nil {
		return nil, eris.Wrap(err, "sync: pdf text extractor")
	}

	engine := ingest.NewEngine(pool, httpFetcher, ftpFetcher, cfg.Ingest.DataDir, cfg.Ingest.BatchSize)
	engine.Register(source.NewFEC(cfg.FEC))
	engine.Register(source.NewCongress(cfg.Congress))
	engine.Register(source.NewTrades(cfg.Trades, extractor))
	return engine, nil
}

// printResult writes a one-run summary.
func printResult(w io.Writer, name string, res ingest.Result) {
	status := "ok"
	if !res.Success {
		status = "failed"
		if res.Transient {
			status = "failed (retryable)"
		}
	}
	fmt.Fprintf(w, "%s: %s  run=%d  processed=%d  inserted=%d  stages=%v  elapsed=%s\n",
		name, status, res.RunID, res.RowsProcessed, res.RowsInserted,
		res.StagesCompleted, res.Duration.Round(time.Millisecond))
	if len(res.Errors) > 0 {
		fmt.Fprintf(w, "  errors: %s\n", ingest.JoinErrors(res.Errors))
	}
}
