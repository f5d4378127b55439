// Command gapfill runs LLM enrichment workers over the content database.
//
// Subcommands:
//
//	run        — run workers for the selected workflows until interrupted
//	migrate    — run pending database migrations and exit
//	backlog    — print pending/locked/done counts per workflow and exit
//	workflows  — list registered workflows and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hummingbirdtestai/gapfill/internal/config"
	"github.com/hummingbirdtestai/gapfill/internal/llm"
	"github.com/hummingbirdtestai/gapfill/internal/metrics"
	"github.com/hummingbirdtestai/gapfill/internal/store"
	"github.com/hummingbirdtestai/gapfill/internal/worker"
	"github.com/hummingbirdtestai/gapfill/internal/workflow"
	"github.com/hummingbirdtestai/gapfill/migrations"
)

func main() {
	// .env is a local development convenience; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "gapfill",
		Short: "gapfill — LLM enrichment workers for content gaps",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		migrateCmd(),
		backlogCmd(),
		workflowsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	var names []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run workers for the selected workflows until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd, names)
		},
	}
	cmd.Flags().StringSliceVar(&names, "workflow", nil,
		"workflow to run (repeatable); overrides WORKFLOWS, default all")
	return cmd
}

func runWorkers(cmd *cobra.Command, names []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if len(names) == 0 {
		names = cfg.Workflows
	}
	selected, err := selectWorkflows(names)
	if err != nil {
		return err
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.LLMRequestsPerMinute)
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	st := store.New(db)
	wcfg := worker.Config{
		BatchSize:    cfg.ClaimBatchSize,
		SubBatchSize: cfg.SubBatchSize,
		Concurrency:  cfg.Concurrency,
		Model:        cfg.GeminiModel,
		MaxAttempts:  cfg.LLMMaxAttempts,
		BackoffBase:  cfg.LLMBackoffBase,
		PollInterval: cfg.PollInterval,
		ErrorPause:   cfg.ErrorPause,
		LockTTL:      cfg.LockTTL,
	}

	var opts []worker.Option
	opts = append(opts, worker.WithMetrics(m))
	if cfg.WorkerID != "" {
		opts = append(opts, worker.WithIdentity(cfg.WorkerID))
	}

	slog.Info("workers starting", "workflows", len(selected))
	var wg sync.WaitGroup
	for _, wf := range selected {
		w := worker.New(st, client, wf, wcfg, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx) // blocks until ctx cancelled; in-flight items complete
		}()
	}
	wg.Wait()
	slog.Info("workers stopped")
	return nil
}

// selectWorkflows resolves the configured workflow names against the built-in
// registry. An empty filter selects everything.
func selectWorkflows(names []string) ([]*workflow.Workflow, error) {
	reg, err := workflow.BuiltIn()
	if err != nil {
		return nil, fmt.Errorf("workflow registry: %w", err)
	}
	if len(names) == 0 {
		return reg.All(), nil
	}
	var selected []*workflow.Workflow
	for _, name := range names {
		wf := reg.Get(name)
		if wf == nil {
			known := make([]string, 0)
			for _, w := range reg.All() {
				known = append(known, w.Name)
			}
			slices.Sort(known)
			return nil, fmt.Errorf("unknown workflow %q (known: %v)", name, known)
		}
		selected = append(selected, wf)
	}
	return selected, nil
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{MultiStatementEnabled: true})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── backlog ───────────────────────────────────────────────────────────────────

func backlogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backlog",
		Short: "Print pending/locked/done counts per workflow and exit",
		RunE:  runBacklog,
	}
}

func runBacklog(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	selected, err := selectWorkflows(cfg.Workflows)
	if err != nil {
		return err
	}

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	for _, wf := range selected {
		counts, err := st.Backlog(cmd.Context(), wf)
		if err != nil {
			return fmt.Errorf("backlog %s: %w", wf.Name, err)
		}
		fmt.Printf("%-24s pending=%-8d locked=%-8d done=%d\n",
			wf.Name, counts.Pending, counts.Locked, counts.Done)
	}
	return nil
}

// ── workflows ─────────────────────────────────────────────────────────────────

func workflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List registered workflows and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			reg, err := workflow.BuiltIn()
			if err != nil {
				return fmt.Errorf("workflow registry: %w", err)
			}
			for _, wf := range reg.All() {
				fmt.Printf("%-24s %s.%s <- %v\n",
					wf.Name, wf.Table, wf.OutputColumn, wf.InputColumns)
			}
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool.
//
// Retries up to 10 times with linear backoff to handle the Docker Compose
// startup race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
