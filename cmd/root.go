package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "civicsync",
	Short: "Political-finance data ingestion pipeline",
	Long:  "Syncs FEC bulk filings, BILLSTATUS legislative activity, and House stock-trade disclosures into Postgres, reconciling names against a canonical politician roster.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// dbPool creates the shared pgx connection pool.
func dbPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.URL == "" {
		return nil, eris.New("no database url configured (set database.url or CIVICSYNC_DATABASE_URL)")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, eris.Wrap(err, "parse database url")
	}
	if cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.MinConns > 0 {
		pcfg.MinConns = cfg.Database.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, eris.Wrap(err, "create connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "ping database")
	}

	return pool, nil
}
