package main

import (
	"context"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/crossfacility/internal/config"
	"github.com/ehr/crossfacility/internal/domain/access"
	"github.com/ehr/crossfacility/internal/domain/accessaudit"
	"github.com/ehr/crossfacility/internal/domain/consent"
	"github.com/ehr/crossfacility/internal/domain/directory"
	"github.com/ehr/crossfacility/internal/domain/identity"
	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/alerting"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/auth"
	"github.com/ehr/crossfacility/internal/platform/blobstore"
	"github.com/ehr/crossfacility/internal/platform/db"
	"github.com/ehr/crossfacility/internal/platform/hipaa"
	"github.com/ehr/crossfacility/internal/platform/metrics"
	"github.com/ehr/crossfacility/internal/platform/middleware"
	"github.com/ehr/crossfacility/internal/platform/notification"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "xfacility-server",
		Short: "Cross-facility patient identity and consent-gated record access",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(consentCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schema := schemaFlag(cmd, cfg)

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	if cfg.DBSchema != "" {
		return cfg.DBSchema
	}
	return "public"
}

func consentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Consent maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Expire approved consents past their expiry date",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := buildApp(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer a.close()

			// One session for the whole batch.
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return fmt.Errorf("acquire connection: %w", err)
			}
			defer conn.Release()

			n, err := a.consents.ExpireSweep(db.WithConn(ctx, conn))
			if err != nil {
				return fmt.Errorf("consent sweep: %w", err)
			}
			fmt.Printf("Expired %d consent(s).\n", n)
			return nil
		},
	})
	return cmd
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity registry tools",
	}

	hashCmd := &cobra.Command{
		Use:   "hash-check",
		Short: "Hash a national id with the configured key and look it up",
		RunE: func(cmd *cobra.Command, args []string) error {
			nationalID, _ := cmd.Flags().GetString("national-id")
			offline, _ := cmd.Flags().GetBool("offline")
			if nationalID == "" {
				return fmt.Errorf("--national-id is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hasher, err := hipaa.NewIdentityHasher(cfg.IdentityKey())
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(nationalID)
			if err != nil {
				return err
			}
			fmt.Printf("identity hash: %s\n", hash)
			if offline {
				return nil
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			p, err := identity.NewRepo(pool, cfg.StoreTimeout).GetByHash(ctx, hash)
			switch {
			case err == nil:
				fmt.Printf("registered: patient %s\n", p.PatientUUID)
			case errors.Is(err, apperr.ErrPatientNotFound):
				fmt.Println("registered: no")
			default:
				return err
			}
			return nil
		},
	}
	hashCmd.Flags().String("national-id", "", "National identity number to hash")
	hashCmd.Flags().Bool("offline", false, "Only print the hash, skip the registry lookup")
	cmd.AddCommand(hashCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Access audit log tools",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the access audit hash chain and report the first broken link",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(os.Getenv("ENV"))
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := buildApp(ctx, cfg, pool, logger)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.audit.VerifyChain(ctx)
			if err != nil {
				return fmt.Errorf("verify audit chain: %w", err)
			}
			if !report.Intact {
				return fmt.Errorf("audit chain broken at seq %d (entry %s): %s", report.BrokenAt, report.EntryID, report.Reason)
			}
			fmt.Printf("Audit chain intact: %d entries, head %s\n", report.Checked, report.Head)
			return nil
		},
	})
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app holds the wired services shared by serve and the maintenance commands.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	directory   *directory.CachedRepository
	identity    *identity.Service
	consents    *consent.Service
	audit       *accessaudit.Service
	recorder    *accessaudit.Recorder
	coordinator *access.Coordinator
	dispatcher  *notification.Dispatcher
	alerts      alerting.Publisher
	closers     []func()
}

func buildApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	hasher, err := hipaa.NewIdentityHasher(cfg.IdentityKey())
	if err != nil {
		return nil, err
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return nil, err
	}

	alerts, closeAlerts := newAlertPublisher(cfg, logger)
	a.alerts = alerts
	a.closers = append(a.closers, closeAlerts)

	sender, blobs, err := newAWSBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.dispatcher = notification.NewDispatcher(notification.DispatcherConfig{
		QueueSize:   256,
		Workers:     2,
		MaxAttempts: 3,
		SendTimeout: cfg.StoreTimeout,
	}, sender, notification.NewTemplateEngine(), logger.With().Str("component", "notification").Logger())
	a.dispatcher.OnResult(func(sent bool) {
		if sent {
			a.metrics.Notification("sent")
			return
		}
		a.metrics.Notification("failed")
	})
	a.closers = append(a.closers, a.dispatcher.Close)

	tx := db.NewTxRunner(pool)
	a.directory = directory.NewCachedRepository(directory.NewRepo(pool, cfg.StoreTimeout), cfg.FacilityCacheTTL)

	a.identity = identity.NewService(
		identity.NewRepo(pool, cfg.StoreTimeout),
		a.directory,
		hasher,
		identity.NewMinter(nil),
		tx,
		logger.With().Str("component", "identity").Logger(),
	)

	a.consents = consent.NewService(
		consent.Config{Validity: time.Duration(cfg.ConsentValidityDays) * 24 * time.Hour},
		consent.NewRepo(pool, sealer, cfg.StoreTimeout),
		a.identity,
		a.directory,
		a.dispatcher,
		tx,
		a.metrics,
		logger.With().Str("component", "consent").Logger(),
	)

	a.audit = accessaudit.NewService(
		accessaudit.NewRepo(pool, cfg.StoreTimeout),
		thresholds(cfg),
		blobs,
		alerts,
		a.metrics,
		logger.With().Str("component", "accessaudit").Logger(),
	)
	a.recorder = accessaudit.NewRecorder(accessaudit.RecorderConfig{
		BufferSize:   cfg.AuditBufferSize,
		Workers:      cfg.AuditWorkers,
		WriteTimeout: cfg.StoreTimeout,
	}, a.audit, a.metrics, logger.With().Str("component", "audit-recorder").Logger())
	// Closed before the pool so queued entries still reach the store.
	a.closers = append(a.closers, a.recorder.Close)

	a.coordinator = access.NewCoordinator(
		access.Config{PeerConcurrency: cfg.PeerFetchConcurrency, PeerTimeout: cfg.StoreTimeout},
		a.directory,
		a.directory,
		a.identity,
		a.consents,
		records.NewSource(pool, cfg.StoreTimeout),
		a.recorder,
		a.metrics,
		logger.With().Str("component", "access").Logger(),
	)

	ok = true
	return a, nil
}

// close runs closers in reverse registration order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newSealer(cfg *config.Config) (hipaa.Sealer, error) {
	key := cfg.EncryptionKey()
	if key == nil {
		return hipaa.NopSealer{}, nil
	}
	c, err := hipaa.NewFieldCipher(key)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newAlertPublisher(cfg *config.Config, logger zerolog.Logger) (alerting.Publisher, func()) {
	if len(cfg.KafkaBrokers) == 0 {
		return alerting.NewLogPublisher(logger.With().Str("component", "alerts").Logger()), func() {}
	}
	p := alerting.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
	return p, func() {
		if err := p.Close(); err != nil {
			logger.Warn().Err(err).Msg("closing alert publisher")
		}
	}
}

// newAWSBackends loads AWS credentials only when a queue or bucket is
// configured; otherwise consent notifications are logged and compliance
// reports are kept in memory.
func newAWSBackends(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notification.Sender, blobstore.Store, error) {
	var sender notification.Sender = notification.NewLogSender(logger)
	var blobs blobstore.Store = blobstore.NewMemoryStore()
	if cfg.SQSConsentQueue == "" && cfg.S3ReportBucket == "" {
		return sender, blobs, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.SQSConsentQueue != "" {
		client := sqs.NewFromConfig(awsCfg)
		url, err := notification.ResolveQueueURL(ctx, client, cfg.SQSConsentQueue)
		if err != nil {
			return nil, nil, err
		}
		sender = notification.NewSQSSender(client, url)
	}
	if cfg.S3ReportBucket != "" {
		blobs = blobstore.NewS3Store(s3.NewFromConfig(awsCfg), cfg.S3ReportBucket)
	}
	return sender, blobs, nil
}

func thresholds(cfg *config.Config) accessaudit.Thresholds {
	return accessaudit.Thresholds{
		MaxAccesses:      cfg.SuspiciousMaxAccesses,
		MaxPatients:      cfg.SuspiciousMaxPatients,
		MaxExports:       cfg.SuspiciousMaxExports,
		MaxCrossFacility: cfg.SuspiciousMaxCross,
	}
}

// resolveSigningKey decodes AUTH_SIGNING_KEY (hex) or generates a random
// 32-byte key. The second return value is true when a random key was generated.
func resolveSigningKey(envValue string) ([]byte, bool, error) {
	if envValue != "" {
		decoded, err := hex.DecodeString(envValue)
		if err != nil {
			return nil, false, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
		}
		return decoded, false, nil
	}
	key := make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics, signingKey []byte) (*echo.Echo, *echo.Group) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: signingKey,
	}
	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	return e, apiV1
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	signingKey, generated, err := resolveSigningKey(cfg.AuthSigningKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid signing key")
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; using a random key, issued tokens will not survive a restart")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := buildApp(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to wire services")
	}
	defer a.close()

	if n, err := a.directory.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("facility cache warm-up failed")
	} else {
		logger.Info().Int("facilities", n).Msg("facility cache warmed")
	}

	e, apiV1 := newEcho(cfg, logger, a.metrics, signingKey)
	e.GET("/health/db", db.HealthHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	identity.NewHandler(a.identity).RegisterRoutes(apiV1)
	consent.NewHandler(a.consents).RegisterRoutes(apiV1)
	access.NewHandler(a.coordinator).RegisterRoutes(apiV1)
	accessaudit.NewHandler(a.audit).RegisterRoutes(apiV1)

	sweeper := consent.NewSweeper(a.consents, a.alerts, cfg.ConsentSweepInterval, logger.With().Str("component", "consent-sweeper").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		forwardNotificationErrors(gctx, a.dispatcher.Errors(), a.alerts, logger)
		return nil
	})
	g.Go(func() error {
		forwardAuditErrors(gctx, a.recorder.Errors(), a.alerts, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// forwardNotificationErrors turns failed consent notifications into alerts
// until ctx is done.
func forwardNotificationErrors(ctx context.Context, errs <-chan error, alerts alerting.Publisher, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			perr := alerts.Publish(pctx, alerting.Alert{
				Kind:     alerting.KindNotificationFailed,
				Severity: alerting.SeverityWarning,
				Message:  err.Error(),
				At:       time.Now().UTC(),
			})
			cancel()
			if perr != nil {
				logger.Warn().Err(perr).Msg("failed to publish notification alert")
			}
		}
	}
}

// forwardAuditErrors raises a critical alert for every access audit entry
// that never reached the store. It runs apart from the request path so a slow
// broker cannot hold up a clinical response.
func forwardAuditErrors(ctx context.Context, errs <-chan error, alerts alerting.Publisher, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			a := alerting.Alert{
				Kind:     alerting.KindAuditWriteFailed,
				Severity: alerting.SeverityCritical,
				Message:  "access audit entry could not be written: " + err.Error(),
				At:       time.Now().UTC(),
			}
			var we *accessaudit.WriteError
			if errors.As(err, &we) {
				a.ActorID = we.Entry.ActorID
				a.PatientUUID = we.Entry.PatientUUID
				a.FacilityID = we.Entry.SourceFacilityID
				a.Detail = map[string]interface{}{"request_id": we.Entry.RequestID, "action": string(we.Entry.Action)}
			}
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			perr := alerts.Publish(pctx, a)
			cancel()
			if perr != nil {
				logger.Error().Err(perr).Msg("failed to publish audit failure alert")
			}
		}
	}
}
