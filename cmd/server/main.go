/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the club points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env into the environment (if present)
  2. Load and validate configuration (file, then POINTS_* variables)
  3. Configure logrus
  4. Open the SQLite store and run migrations
  5. Load the keyword table and build the engines
  6. Start the cron scheduler
  7. Configure the HTTP router and start the server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -env     .env file to load (default: .env, ignored if missing)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Wait for running scheduled jobs
  4. Close database connection

EXAMPLES:
  POINTS_JWT_SECRET=dev ./server
  POINTS_JWT_SECRET=dev POINTS_DB_PATH=":memory:" ./server -config=points.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/config"
	"github.com/warp/points-engine/factory"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
	"github.com/warp/points-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	envFile := flag.String("env", ".env", ".env file to load")
	flag.Parse()

	log := logrus.New()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("could not load env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	configureLogger(log, cfg)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	classifier, err := factory.NewClassifierFactory().LoadFile(cfg.KeywordTable)
	if err != nil {
		log.WithError(err).Fatal("failed to load keyword table")
	}
	log.WithField("version", classifier.Version()).Info("keyword table loaded")

	loc := cfg.Location()
	engine := rewards.New(rewards.Options{
		Store:             store,
		Classifier:        classifier,
		Clock:             generic.NewSystemClock(loc),
		Log:               log,
		NewAccountsLocked: cfg.NewAccountsLocked,
		PointsFloor:       cfg.PointsFloor,
	})

	scheduler, err := api.NewScheduler(engine, cfg.Schedules, loc, log.WithField("component", "scheduler"))
	if err != nil {
		log.WithError(err).Fatal("failed to configure scheduler")
	}
	scheduler.Start()

	var idem api.IdempotencyStore = api.NewMemoryIdempotencyStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, idempotency keys stay in memory")
		} else {
			idem = api.NewRedisIdempotencyStore(client)
		}
	}

	handler := api.NewHandler(engine, log.WithField("component", "api"), cfg.AdminAccounts)
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           api.NewAuthenticator(cfg.JWTSecret),
		Limiter:        api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Ping:           store.Ping,
	})

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	scheduler.Stop(ctx)

	log.Info("server stopped")
}

func configureLogger(log *logrus.Logger, cfg config.Config) {
	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
}
