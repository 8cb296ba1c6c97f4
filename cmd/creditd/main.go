package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/nightjarhq/creditd/internal/httpserver"
	"github.com/nightjarhq/creditd/internal/payments"
	"github.com/nightjarhq/creditd/internal/renewal"
	"github.com/nightjarhq/creditd/internal/store/gormstore"
	"github.com/nightjarhq/creditd/internal/webhook"
	"github.com/nightjarhq/creditd/pkg/ledger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagWebhookSecret    = "webhook-secret"
	flagAdminTokenSecret = "admin-token-secret"
	flagAllowedOrigins   = "allowed-origins"
	flagRenewalInterval  = "renewal-interval"
	flagRenewalTimeout   = "renewal-timeout"
	flagWebhookRateLimit = "webhook-rate-limit"

	configKeyDatabaseURL      = "database_url"
	configKeyListenAddr       = "listen_addr"
	configKeyWebhookSecret    = "webhook_secret"
	configKeyAdminTokenSecret = "admin_token_secret"
	configKeyAllowedOrigins   = "allowed_origins"
	configKeyRenewalInterval  = "renewal_interval"
	configKeyRenewalTimeout   = "renewal_timeout"
	configKeyWebhookRateLimit = "webhook_rate_limit"

	defaultDatabaseURL      = "sqlite:///tmp/creditd.db"
	defaultListenAddr       = ":8080"
	defaultRenewalInterval  = 24 * time.Hour
	defaultRenewalTimeout   = 5 * time.Minute
	defaultWebhookRateLimit = 120
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	WebhookSecret    string
	AdminTokenSecret string
	AllowedOrigins   []string
	RenewalInterval  time.Duration
	RenewalTimeout   time.Duration
	WebhookRateLimit int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Payment and credit reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "payment provider webhook signing secret")
	cmd.Flags().String(flagAdminTokenSecret, "", "HS256 secret for admin API bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins for the admin API")
	cmd.Flags().Duration(flagRenewalInterval, defaultRenewalInterval, "renewal scheduler cadence")
	cmd.Flags().Duration(flagRenewalTimeout, defaultRenewalTimeout, "deadline for one renewal pass")
	cmd.Flags().Int(flagWebhookRateLimit, defaultWebhookRateLimit, "webhook requests per minute per client IP")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:      "DATABASE_URL",
		configKeyListenAddr:       "LISTEN_ADDR",
		configKeyWebhookSecret:    "STRIPE_WEBHOOK_SECRET",
		configKeyAdminTokenSecret: "ADMIN_TOKEN_SECRET",
		configKeyAllowedOrigins:   "ALLOWED_ORIGINS",
		configKeyRenewalInterval:  "RENEWAL_INTERVAL",
		configKeyRenewalTimeout:   "RENEWAL_TIMEOUT",
		configKeyWebhookRateLimit: "WEBHOOK_RATE_LIMIT",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:      flagDatabaseURL,
		configKeyListenAddr:       flagListenAddr,
		configKeyWebhookSecret:    flagWebhookSecret,
		configKeyAdminTokenSecret: flagAdminTokenSecret,
		configKeyAllowedOrigins:   flagAllowedOrigins,
		configKeyRenewalInterval:  flagRenewalInterval,
		configKeyRenewalTimeout:   flagRenewalTimeout,
		configKeyWebhookRateLimit: flagWebhookRateLimit,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.AdminTokenSecret = viper.GetString(configKeyAdminTokenSecret)
	cfg.AllowedOrigins = parseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.RenewalInterval = viper.GetDuration(configKeyRenewalInterval)
	if cfg.RenewalInterval <= 0 {
		cfg.RenewalInterval = defaultRenewalInterval
	}
	cfg.RenewalTimeout = viper.GetDuration(configKeyRenewalTimeout)
	if cfg.RenewalTimeout <= 0 {
		cfg.RenewalTimeout = defaultRenewalTimeout
	}
	cfg.WebhookRateLimit = viper.GetInt(configKeyWebhookRateLimit)
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = defaultWebhookRateLimit
	}

	if cfg.AdminTokenSecret == "" {
		return fmt.Errorf("admin token secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.WebhookSecret == "" {
		logger.Warn("webhook secret not configured; all provider notifications will be rejected")
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	service, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	processor := payments.NewProcessor(store, clock, logger)
	synchronizer := payments.NewSynchronizer(store, clock, logger)
	scheduler := renewal.NewScheduler(store, clock, logger, cfg.RenewalInterval, cfg.RenewalTimeout)
	webhookHandler := webhook.NewHandler(cfg.WebhookSecret, store, processor, synchronizer, clock, logger)
	limiter := httpserver.NewRateLimiter(cfg.WebhookRateLimit, time.Minute)

	router := httpserver.NewRouter(httpserver.Config{
		ListenAddr:       cfg.ListenAddr,
		AllowedOrigins:   cfg.AllowedOrigins,
		AdminTokenSecret: cfg.AdminTokenSecret,
		RenewalTimeout:   cfg.RenewalTimeout,
	}, httpserver.Deps{
		WebhookHandler: webhookHandler,
		Service:        service,
		Store:          store,
		Scheduler:      scheduler,
		RateLimiter:    limiter,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go scheduler.Run(ctx)
	go limiter.Sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

// zapOperationLogger bridges ledger operation callbacks onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("credits", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.ExternalRef != "" {
		fields = append(fields, zap.String("external_ref", entry.ExternalRef))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	err := db.AutoMigrate(
		&gormstore.Account{},
		&gormstore.CreditTransaction{},
		&gormstore.ProductMapping{},
		&gormstore.IngressEvent{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func parseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
