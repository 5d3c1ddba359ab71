package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncd/internal/adapter/lake"
	"github.com/hyperengineering/syncd/internal/adapter/mysql"
	"github.com/hyperengineering/syncd/internal/adapter/postgres"
	"github.com/hyperengineering/syncd/internal/api"
	"github.com/hyperengineering/syncd/internal/config"
	"github.com/hyperengineering/syncd/internal/flush"
	"github.com/hyperengineering/syncd/internal/gatewaypool"
	"github.com/hyperengineering/syncd/internal/snapshot"
	"github.com/hyperengineering/syncd/internal/worker"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-01-30T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - hybrid-logical-clock multi-client sync gateway",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("syncd %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)
	slog.Info("configuration loaded", "storage_backend", cfg.Storage.Backend)

	// 4. Initialize the backing-store adapters this process flushes into
	db, closeDB, err := buildDatabaseAdapter(cfg)
	if err != nil {
		return fmt.Errorf("initialize storage backend: %w", err)
	}
	if closeDB != nil {
		defer closeDB()
	}

	lakeAdapter, err := buildLakeAdapter(cfg)
	if err != nil {
		return fmt.Errorf("initialize object storage: %w", err)
	}

	// 5. Wire the gateway pool
	factory := newSyncdFactory(cfg, db, lakeAdapter)
	pool := gatewaypool.New(factory)
	slog.Info("gateway pool initialized")

	// 6. Initialize HTTP router
	handler := api.NewHandler(pool, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Worker lifecycle infrastructure
	var wg sync.WaitGroup

	if cfg.Worker.CompactionEnabled {
		flushCoordinator := worker.NewFlushCoordinator(pool, time.Duration(cfg.Worker.FlushInterval))
		startWorker(ctx, &wg, "flush-coordinator", flushCoordinator.Run)
	}

	if cfg.Worker.SnapshotEnabled {
		exporter := buildSnapshotExporter(lakeAdapter, cfg)
		snapshotCoordinator := worker.NewSnapshotCoordinator(pool, exporter, time.Duration(cfg.Worker.SnapshotInterval))
		startWorker(ctx, &wg, "snapshot-coordinator", snapshotCoordinator.Run)
	}

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Flush and evict every loaded gateway
	if err := pool.Close(shutdownCtx); err != nil {
		slog.Error("gateway pool close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// buildDatabaseAdapter selects the relational backing adapter per
// cfg.Storage.Backend. A "none" backend returns a nil DatabaseAdapter:
// gateways still buffer and pull locally, and flushes go to the lake sink
// alone. With no lake bucket configured either, that sink is
// lake.NoopAdapter, which accepts each batch and stores nothing.
func buildDatabaseAdapter(cfg *config.Config) (flush.DatabaseAdapter, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		adapter, err := postgres.Open(cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.Schema)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("postgres adapter initialized", "schema", cfg.Storage.Postgres.Schema)
		return adapter, func() { _ = adapter.Close() }, nil
	case "mysql":
		mysqlCfg := mysql.DefaultConfig()
		mysqlCfg.MaxRetries = cfg.Storage.MySQL.MaxRetries
		mysqlCfg.RetryBaseWait = time.Duration(cfg.Storage.MySQL.RetryBaseWait)
		adapter, err := mysql.Open(cfg.Storage.MySQL.DSN, mysqlCfg)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("mysql adapter initialized")
		return adapter, func() { _ = adapter.Close() }, nil
	case "none":
		slog.Info("no relational storage backend configured")
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildLakeAdapter wires object-storage flushing when a bucket is
// configured, falling back to lake.NoopAdapter otherwise.
func buildLakeAdapter(cfg *config.Config) (flush.LakeAdapter, error) {
	if cfg.Storage.Lake.Bucket == "" {
		return lake.NoopAdapter{}, nil
	}
	adapter, err := lake.New(lake.Config{
		Endpoint:  cfg.Storage.Lake.Endpoint,
		AccessKey: cfg.Storage.Lake.AccessKey,
		SecretKey: cfg.Storage.Lake.SecretKey,
		Bucket:    cfg.Storage.Lake.Bucket,
		Region:    cfg.Storage.Lake.Region,
		UseSSL:    cfg.Storage.Lake.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("lake adapter initialized", "bucket", cfg.Storage.Lake.Bucket)
	return adapter, nil
}

// buildSnapshotExporter wires the periodic full row-index export to
// lakeAdapter when object storage is configured, falling back to
// snapshot.NoopExporter otherwise (exporting to a bucket that isn't
// configured would be silently useless, not merely a no-op write).
func buildSnapshotExporter(lakeAdapter flush.LakeAdapter, cfg *config.Config) worker.Exporter {
	if cfg.Storage.Lake.Bucket == "" {
		return snapshot.NoopExporter{}
	}
	return snapshot.NewExporter(lakeAdapter)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
