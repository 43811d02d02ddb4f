package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/triage/triage/internal/config"
	"github.com/triage/triage/internal/domain/triage"
	"github.com/triage/triage/internal/platform/auth"
	"github.com/triage/triage/internal/platform/db"
	"github.com/triage/triage/internal/platform/middleware"
	"github.com/triage/triage/internal/platform/notification"
	"github.com/triage/triage/internal/platform/websocket"
	"github.com/triage/triage/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "triage-server",
		Short:        "Two-tier triage API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the triage API server",
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
			return withMigrator(cmd.Context(), schema, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(cmd.Context(), schema, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema for migrations (default DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// migrationSchema picks the --schema flag when given, otherwise DB_SCHEMA.
func migrationSchema(flag string, cfg *config.Config) (string, error) {
	schema := flag
	if schema == "" {
		schema = cfg.DBSchema
	}
	if schema == "" {
		schema = db.DefaultSchema
	}
	if !db.ValidSchema(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}
	return schema, nil
}

func withMigrator(ctx context.Context, flagSchema string, fn func(context.Context, *db.Migrator, string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	schema, err := migrationSchema(flagSchema, cfg)
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS), schema)
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

func newLogger(env string, w io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// server bundles the HTTP router with the resources it must release on
// shutdown, in release order.
type server struct {
	echo    *echo.Echo
	hub     *websocket.Hub
	closers []func()
}

func (s *server) close() {
	for _, fn := range s.closers {
		fn()
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: unauthenticated requests run as dev-user with the admin role")
	}

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}
	defer srv.close()

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
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.echo.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	srv := &server{}
	fail := func(err error) (*server, error) {
		srv.close()
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	srv.echo = e

	// Storage
	var store triage.CaseStore
	var pinger db.Pinger
	var schemaMW echo.MiddlewareFunc
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, pool.Close)
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		store = triage.NewCaseRepoPG(pool)
		pinger = pool
		schemaMW = db.SchemaMiddleware(pool, cfg.DBSchema)
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory case store; cases are lost on restart")
		store = triage.NewMemoryStore()
	default:
		return fail(fmt.Errorf("unknown store driver %q", cfg.StoreDriver))
	}

	// Notifications
	hub := websocket.NewHub(logger)
	srv.hub = hub
	sinks := []notification.Sink{hub}
	var feed notification.Feed

	if cfg.NATSURL != "" {
		conn, err := notification.ConnectNATS(notification.NATSConfig{
			URL:            cfg.NATSURL,
			Name:           "triage-server",
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = conn.Drain() })
		sinks = append(sinks, notification.NewNATSSink(conn, cfg.NATSSubjectPrefix))
		logger.Info().Str("prefix", cfg.NATSSubjectPrefix).Msg("publishing case events to NATS")
	}

	if cfg.RedisURL != "" {
		rdb, err := notification.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		srv.closers = append(srv.closers, func() { _ = rdb.Close() })
		redisFeed := notification.NewRedisFeed(rdb, cfg.RedisFeedLength)
		sinks = append(sinks, redisFeed)
		feed = redisFeed
		logger.Info().Int("length", cfg.RedisFeedLength).Msg("recording case events in Redis feed")
	}

	async := notification.NewAsync(notification.NewFanout(nil, sinks...), cfg.NotifyQueueSize, cfg.NotifyWorkers, logger)
	async.Start()
	// Drain queued events before the connections they use are closed, then
	// tell live clients to reconnect elsewhere.
	srv.closers = append([]func(){async.Close, func() {
		hub.BroadcastAll(websocket.Event{Type: "server.shutdown", Timestamp: time.Now().UTC()})
	}}, srv.closers...)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}

	// API
	var apiMW []echo.MiddlewareFunc
	if schemaMW != nil {
		apiMW = append(apiMW, schemaMW)
	}
	apiV1 := e.Group("/api/v1", apiMW...)
	svc := triage.NewService(store, async, logger)
	triage.NewHandler(svc).RegisterRoutes(apiV1, nil)
	notification.NewHandler(feed).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return srv, nil
}
