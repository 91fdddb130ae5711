package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civitas-labs/civicsync/internal/ingest"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline trigger API",
	Long: `Start a thin HTTP API for triggering pipeline runs and inspecting
run history. Runs execute in the background; POST returns 202 immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := dbPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := ingest.Migrate(ctx, pool); err != nil {
			return eris.Wrap(err, "serve: migrate")
		}

		engine, err := buildEngine(pool)
		if err != nil {
			return err
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newAPIHandler(ctx, engine),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// pipelineRunner is the engine surface the API needs.
type pipelineRunner interface {
	Run(ctx context.Context, name string, opts ingest.RunOpts) ingest.Result
	Sources() []string
	RunLog() *ingest.RunLog
}

// newAPIHandler builds the trigger/read API. baseCtx bounds background runs
// so a server shutdown cancels in-flight pipelines.
func newAPIHandler(baseCtx context.Context, runner pipelineRunner) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/pipelines/{source}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "source")
		if !slices.Contains(runner.Sources(), name) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("unknown pipeline %q", name),
			})
			return
		}

		opts := ingest.RunOpts{Force: req.URL.Query().Get("force") == "true"}
		if raw := req.URL.Query().Get("session"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid session"})
				return
			}
			opts.Session = n
		}
		requestID := w.Header().Get("X-Request-ID")

		go func() {
			res := runner.Run(baseCtx, name, opts)
			log := zap.L().With(
				zap.String("pipeline", name),
				zap.String("request_id", requestID),
				zap.Int64("run_id", res.RunID),
			)
			if res.Success {
				log.Info("triggered run complete",
					zap.Int64("rows_processed", res.RowsProcessed),
					zap.Int64("rows_inserted", res.RowsInserted),
				)
				return
			}
			log.Error("triggered run failed",
				zap.Bool("transient", res.Transient),
				zap.String("errors", ingest.JoinErrors(res.Errors)),
			)
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     "accepted",
			"pipeline":   name,
			"request_id": requestID,
		})
	})

	r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}

		runs, err := runner.RunLog().ListRecent(req.Context(), limit)
		if err != nil {
			zap.L().Error("list runs failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
			return
		}
		if runs == nil {
			runs = []ingest.Run{}
		}
		writeJSON(w, http.StatusOK, runs)
	})

	r.Get("/api/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
			return
		}

		run, err := runner.RunLog().Get(req.Context(), id)
		if err != nil {
			zap.L().Error("get run failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "storage error"})
			return
		}
		if run == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusOK, run)
	})

	return r
}

// requestIDMiddleware assigns a request ID when the client did not send one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
