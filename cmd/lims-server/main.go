package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/domain/lims"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/middleware"
	"github.com/lims/lims/internal/platform/sandbox"
	"github.com/lims/lims/internal/platform/store/memory"
	"github.com/lims/lims/internal/platform/store/postgres"
	"github.com/lims/lims/internal/platform/store/sqlite"
	"github.com/lims/lims/internal/platform/telemetry"
	"github.com/lims/lims/internal/platform/websocket"
	"github.com/lims/lims/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "lims-server",
		Short: "Laboratory workflow API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(snapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the LIMS API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			applied, err := db.NewMigrator(pool, migrationFiles(cfg, dir), schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			for _, name := range applied {
				fmt.Printf("  applied %s\n", name)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(cfg, dir), schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(os.Stdout, schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load demonstration data into the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, _ := cmd.Flags().GetInt("samples")
			seed, _ := cmd.Flags().GetInt64("seed")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stdout)
			ctx := context.Background()

			be, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			seedCfg := sandbox.DefaultSeedConfig()
			seedCfg.SampleCount = samples
			seedCfg.Seed = seed
			engine := lims.NewService(be.store, logger)
			result, err := sandbox.NewSeeder(engine, seedCfg, logger).Seed(ctx)
			if err != nil {
				return fmt.Errorf("seed failed: %w", err)
			}
			printSeedResult(os.Stdout, result)
			return nil
		},
	}
	cmd.Flags().Int("samples", sandbox.DefaultSeedConfig().SampleCount, "Number of samples to generate")
	cmd.Flags().Int64("seed", sandbox.DefaultSeedConfig().Seed, "Random seed")
	return cmd
}

func printSeedResult(w io.Writer, r *sandbox.SeedResult) {
	if r.Skipped {
		fmt.Fprintln(w, "Store already has a test catalog; nothing seeded.")
		return
	}
	fmt.Fprintf(w, "Seeded %d clients, %d tests, %d inventory items, %d instruments, %d QC records\n",
		r.Clients, r.Tests, r.InventoryItems, r.Instruments, r.QCRecords)
	fmt.Fprintf(w, "Seeded %d samples (%d published), %d results, %d worksheets in %s\n",
		r.Samples, r.Published, r.Results, r.Worksheets, r.Duration)
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export the laboratory state",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the current state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			be, err := openBackend(ctx, cfg, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer be.Close()

			return exportSnapshot(be.store, out, os.Stdout)
		},
	}
	exportCmd.Flags().String("out", "-", "Output file, or - for stdout")
	cmd.AddCommand(exportCmd)

	return cmd
}

func exportSnapshot(store stateStore, out string, stdout io.Writer) error {
	data, err := memory.MarshalSnapshot(store.ExportState())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if out == "" || out == "-" {
		_, err = stdout.Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(out, data, 0o640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

// stateStore is a lims.Store whose full state can be exported.
type stateStore interface {
	lims.Store
	ExportState() memory.Snapshot
}

type backend struct {
	store   stateStore
	pool    *pgxpool.Pool
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}, logger)
}

func migrationFiles(cfg *config.Config, dir string) fs.FS {
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

// openBackend opens the store selected by STORE_DRIVER. The postgres driver
// applies pending migrations before loading state.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info().Str("path", store.Path()).Msg("using sqlite store")
		return &backend{store: store, closers: []func(){func() { _ = store.Close() }}}, nil

	case config.DriverPostgres:
		pool, err := openPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		applied, err := db.NewMigrator(pool, migrationFiles(cfg, ""), "public").Up(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info().Strs("migrations", applied).Msg("applied migrations")
		}
		store, err := postgres.Open(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &backend{store: store, pool: pool, closers: []func(){pool.Close}}, nil

	case config.DriverMemory, "":
		logger.Warn().Msg("using in-memory store; state is lost on restart")
		return &backend{store: memory.NewStore()}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// server holds the wired components behind the HTTP API.
type server struct {
	echo      *echo.Echo
	engine    *lims.Service
	hub       *websocket.Hub
	telemetry *telemetry.TelemetryProvider
	archive   *blobstore.SnapshotArchive
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger, be *backend) (*server, error) {
	// Engine
	hub := websocket.NewHub(logger)
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceName:    "lims-server",
		Environment:    cfg.Env,
		ClassifyError:  lims.ErrorKind,
		ProcessMetrics: true,
	})
	if err := tp.GaugeFunc("lims_websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	}); err != nil {
		return nil, fmt.Errorf("register websocket gauge: %w", err)
	}

	engine := lims.NewService(be.store, logger)
	engine.SetEventPublisher(hub)
	engine.SetCommandObserver(tp)

	// Snapshot archive
	var blobs blobstore.BlobStore = blobstore.NewInMemoryBlobStore()
	if cfg.SnapshotsEnabled() {
		s3Store, err := blobstore.NewS3BlobStore(ctx, blobstore.S3Config{
			Bucket:    cfg.SnapshotBucket,
			Region:    cfg.SnapshotRegion,
			Endpoint:  cfg.SnapshotEndpoint,
			PathStyle: cfg.SnapshotPathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot bucket: %w", err)
		}
		blobs = s3Store
		logger.Info().Str("bucket", cfg.SnapshotBucket).Msg("archiving snapshots to s3")
	}
	store := be.store
	archive := blobstore.NewSnapshotArchive(blobs, func(context.Context) ([]byte, error) {
		return memory.MarshalSnapshot(store.ExportState())
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(tp.MetricsMiddleware())

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if be.pool != nil {
		pool := be.pool
		e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))
	}
	e.GET("/metrics", tp.PrometheusHandler())

	// API
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), authMW, middleware.Audit(logger))
	lims.NewHandler(engine).RegisterRoutes(apiV1)
	websocket.NewHandler(hub).RegisterRoutes(apiV1)
	archive.RegisterRoutes(apiV1)
	if cfg.IsDev() || cfg.SeedDemoData {
		sandbox.NewSeedHandler(engine, logger).RegisterRoutes(apiV1)
	}

	return &server{echo: e, engine: engine, hub: hub, telemetry: tp, archive: archive}, nil
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Store
	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer be.Close()

	srv, err := newServer(ctx, cfg, logger, be)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	if cfg.SeedDemoData {
		seedCfg := sandbox.DefaultSeedConfig()
		seedCfg.Seed = cfg.SeedValue
		if _, err := sandbox.NewSeeder(srv.engine, seedCfg, logger).Seed(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed demo data")
		}
	}

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := srv.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
