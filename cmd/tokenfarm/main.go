package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/aggregate"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/ingest"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/server"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tokenfarm",
		Short: "Tokenfarm calculations and community stats backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newSyncCommand(), newMintTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or sqlite path")
	cmd.PersistentFlags().String("cache-backend", defaults.GetString("cache.backend"), "Aggregate cache backend (memory, redis, database, none)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis cache backend")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "cache.backend", "cache-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	cacheStore, closeCache, err := buildCacheStore(ctx, appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuerOrDefault(),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:        db,
		Clock:           time.Now,
		IDProvider:      records.NewUUIDProvider(),
		Logger:          logger,
		Metrics:         recorder,
		DuplicateWindow: appConfig.DuplicateWindow,
		FeedRetention:   appConfig.FeedRetention,
	})
	if err != nil {
		return err
	}

	aggregateService, err := aggregate.NewService(aggregate.ServiceConfig{
		Database: db,
		Cache:    cacheStore,
		Clock:    time.Now,
		Logger:   logger,
		Metrics:  recorder,
		FeedTTL:  appConfig.FeedTTL,
		StatsTTL: appConfig.StatsTTL,
		PageSize: appConfig.FeedPageSize,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IngestService:    ingestService,
		AggregateService: aggregateService,
		SessionValidator: sessionValidator,
		OwnerResolver:    userService,
		AllowedOrigins:   appConfig.AllowedOrigins,
		MetricsGatherer:  registry,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.String("cache_backend", appConfig.CacheBackend),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildCacheStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (aggregate.Store, func(), error) {
	noop := func() {}
	switch appConfig.CacheBackend {
	case config.CacheBackendNone:
		return aggregate.NewNoopStore(), noop, nil
	case config.CacheBackendDatabase:
		store := aggregate.NewDatabaseStore(db, time.Now)
		purged, err := store.PurgeExpired(ctx)
		if err != nil {
			logger.Warn("aggregate cache purge failed", zap.Error(err))
		} else if purged > 0 {
			logger.Info("aggregate cache purged", zap.Int64("entries", purged))
		}
		return store, noop, nil
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, aggregates will be computed per request until it recovers",
				zap.String("address", appConfig.RedisAddress),
				zap.Error(err),
			)
		}
		return aggregate.NewRedisStore(client, appConfig.RedisPrefix), func() { _ = client.Close() }, nil
	default:
		return aggregate.NewMemoryStore(), noop, nil
	}
}
