package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sentc-io/sentc/server/internal/api"
	"github.com/sentc-io/sentc/server/internal/apptoken"
	"github.com/sentc-io/sentc/server/internal/authn"
	"github.com/sentc-io/sentc/server/internal/cache"
	"github.com/sentc-io/sentc/server/internal/captcha"
	"github.com/sentc-io/sentc/server/internal/config"
	"github.com/sentc-io/sentc/server/internal/content"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/devprimitives"
	"github.com/sentc-io/sentc/server/internal/files"
	"github.com/sentc-io/sentc/server/internal/files/localstore"
	"github.com/sentc-io/sentc/server/internal/files/s3store"
	"github.com/sentc-io/sentc/server/internal/groupresolve"
	"github.com/sentc-io/sentc/server/internal/jwtkeys"
	"github.com/sentc-io/sentc/server/internal/keydist"
	"github.com/sentc-io/sentc/server/internal/metrics"
	"github.com/sentc-io/sentc/server/internal/notify"
	"github.com/sentc-io/sentc/server/internal/policy"
	"github.com/sentc-io/sentc/server/internal/scheduler"
	"github.com/sentc-io/sentc/server/internal/store"
	"github.com/sentc-io/sentc/server/internal/ws"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentc-server",
		Short: "sentc server — end-to-end-encrypted group and file backend",
		Long: `sentc server arbitrates access to ciphertext and wrapped keys for a
multi-tenant end-to-end-encrypted platform. It never sees plaintext: it only
verifies proofs, resolves group membership, and fans out wrapped key
material during rotation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentc-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting sentc server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("storage_backend", cfg.StorageBackend),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	// InitEncryption must run before opening the database so that
	// db.EncryptedString columns (JWT signing keys, TOTP secrets, wrapped
	// external-storage auth keys) can encrypt/decrypt transparently.
	if err := db.InitEncryption(cfg.SecretKey); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 3. Cache backend ---
	// A Redis address selects the distributed cache so multiple server
	// instances share one invalidation domain; its absence falls back to
	// the in-process cache, correct for a single instance or local dev.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("using redis cache backend", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Info("using in-process cache backend")
	}

	// --- 4. Stores ---
	apps := store.NewAppStore(gormDB)
	users := store.NewUserStore(gormDB)
	groups := store.NewGroupStore(gormDB)
	fileStore := store.NewFileStore(gormDB)
	contentStore := store.NewContentStore(gormDB)
	captchaStore := store.NewCaptchaStore(gormDB)

	// --- 5. Policy, app-token, and JWT layers ---
	pol := policy.New(apps)

	appCtxCache := cachesFor[string, *apptoken.AppContext](rdb, 5*time.Minute, time.Minute)
	gate := apptoken.NewGate(apps, appCtxCache)

	verifyKeyCache := cachesFor[string, *ecdsa.PublicKey](rdb, 15*time.Minute, time.Minute)
	audienceCache := cachesFor[string, bool](rdb, 5*time.Minute, time.Minute)
	jwtManager := jwtkeys.NewManager(apps, verifyKeyCache, audienceCache)

	groupMetaCache := cachesFor[string, *db.Group](rdb, 5*time.Minute, time.Minute)
	userMetaDirectCache := cachesFor[string, groupresolve.UserMeta](rdb, 24*time.Hour, time.Minute)
	userMetaAncestorCache := cachesFor[string, groupresolve.UserMeta](rdb, 5*time.Minute, time.Minute)
	resolver := groupresolve.NewResolver(groups, groupMetaCache, userMetaDirectCache, userMetaAncestorCache)

	prim := devprimitives.New()

	hub := ws.NewHub()
	go hub.Run(ctx)

	mailer := notify.NewMailer(cfg)
	notifier := notify.NewService(mailer, cfg.AlertEmail, logger)

	sentinelKey := derivedSentinelKey(cfg.SecretKey)
	authenticator := authn.NewAuthenticator(users, apps, groups, jwtManager, prim, notifier, sentinelKey)
	kd := keydist.NewEngine(groups, users, pol, prim, hub, notifier, logger)

	// --- 6. File storage backend ---
	var partStore files.PartStore
	switch cfg.StorageBackend {
	case "s3":
		partStore, err = s3store.New(ctx, cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
	default:
		partStore = localstore.New(cfg.StoragePath)
	}
	fileManager := files.NewManager(fileStore, pol, partStore)
	sweeper := files.NewSweeper(fileManager, logger)

	contentSvc := content.New(contentStore)
	captchaSvc := captcha.New(captchaStore)

	// --- 7. Scheduler ---
	sched, err := scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.RegisterInterval("file-sweeper", time.Hour, 10*time.Minute, func(ctx context.Context) error {
		return sweeper.Run(ctx)
	}); err != nil {
		return fmt.Errorf("failed to register file sweeper: %w", err)
	}
	sched.Start()
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Gate:   gate,
		JWT:    jwtManager,
		Users:  users,
		Logger: logger,

		Auth:    api.NewAuthHandler(authenticator),
		Group:   api.NewGroupHandler(groups, resolver, kd, pol),
		User:    api.NewUserHandler(authenticator, users, groups, kd),
		File:    api.NewFileHandler(fileManager),
		Content: api.NewContentHandler(contentSvc),
		Captcha: api.NewCaptchaHandler(captchaSvc),
		WS:      api.NewWSHandler(hub, logger),

		Metrics: metrics.Handler(),
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down sentc server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("sentc server stopped")
	return nil
}

// cachesFor picks the redis-backed or in-process TTLCache implementation
// depending on whether a redis client was configured.
func cachesFor[K comparable, V any](rdb *redis.Client, positiveTTL, negativeTTL time.Duration) cache.TTLCache[K, V] {
	if rdb == nil {
		return cache.New[K, V](positiveTTL, negativeTTL)
	}
	return cache.NewRedis[K, V](rdb, "sentc", positiveTTL, negativeTTL)
}

// derivedSentinelKey derives the HMAC key authn.Authenticator uses to
// produce deterministic fake salts for unknown identifiers, so it differs
// from the at-rest encryption key despite sharing its root secret.
func derivedSentinelKey(secretKey []byte) []byte {
	return append([]byte("sentc-sentinel-v1:"), secretKey...)
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
