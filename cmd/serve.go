package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/glaucoscan/internal/auth"
	"github.com/example/glaucoscan/internal/config"
	"github.com/example/glaucoscan/internal/grpcclient"
	"github.com/example/glaucoscan/internal/handlers"
	"github.com/example/glaucoscan/internal/inference"
	"github.com/example/glaucoscan/internal/logging"
	"github.com/example/glaucoscan/internal/onnxmodel"
	"github.com/example/glaucoscan/internal/repository"
	"github.com/example/glaucoscan/internal/usecase"
)

const (
	startupProbeAttempts = 5
	probeTimeout         = 2 * time.Second
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the prediction API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.envFiles...)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	adapter, closeAdapter, err := buildAdapter(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("inference backend %s: %w", cfg.Backend, err)
	}
	defer closeAdapter()

	var repo usecase.InvocationRepository
	if cfg.DatabaseDSN != "" {
		db, err := initDatabase(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		invocations := repository.NewInvocationRepository(db, logger)
		if err := invocations.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
		repo = invocations
	} else {
		logger.Info("DATABASE_DSN not set, invocation logging disabled")
	}

	opts := handlers.Options{Logger: logger}
	if cfg.RedisAddr != "" {
		redisClient, err := initRedis(ctx, cfg.RedisAddr, logger)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		opts.RateLimiter = usecase.NewRateLimiter(usecase.NewRedisCounter(redisClient), cfg.RateLimitRequests, cfg.RateLimitWindow, logger)
	} else {
		logger.Info("REDIS_ADDR not set, rate limiting disabled")
	}
	if cfg.JWTSecret != "" {
		opts.AdminAuth = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience, auth.MetricsScope)
	}

	uc := usecase.NewPredictionUseCase(adapter, cfg.Backend, repo, logger)
	router := newRouter(cfg, uc, opts, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("glaucoscan API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("backend", cfg.Backend))
	return serveHTTPServer(ctx, server, cfg.ShutdownTimeout, logger, nil)
}

func newRouter(cfg *config.Config, uc *usecase.PredictionUseCase, opts handlers.Options, logger *zap.Logger) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(handlers.RequestLogger(logger), handlers.Recovery(logger), handlers.CORS(cfg.CORSAllowOrigin))
	handlers.RegisterRoutes(router, uc, opts)
	return router
}

// buildAdapter constructs the configured inference strategy wrapped in the
// admission bound. The returned func releases backend resources.
func buildAdapter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (inference.Adapter, func(), error) {
	var (
		base    inference.Adapter
		closeFn = func() {}
	)

	switch cfg.Backend {
	case config.BackendSubprocess:
		adapter, err := inference.NewSubprocessAdapter(inference.SubprocessConfig{
			Command:    cfg.AdapterCommand,
			Args:       cfg.AdapterArgs,
			ScratchDir: cfg.ScratchDir,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		base = adapter
	case config.BackendGRPC:
		adapter, conn, err := grpcclient.DialInferenceService(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		base = adapter
		closeFn = func() { _ = conn.Close() }
	case config.BackendONNX:
		model, err := onnxmodel.NewModel(onnxmodel.Config{
			ModelPath:      cfg.ONNXModelPath,
			RuntimeLibrary: cfg.ONNXRuntimeLib,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		base = model
		closeFn = func() { _ = model.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}

	bounded := inference.NewBoundedAdapter(base, cfg.AdapterMaxConcurrent, cfg.AdapterQueueTimeout, cfg.AdapterTimeout, logger)
	return bounded, closeFn, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Warn),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := probe(ctx, "postgres", zapLogger, sqlDB.PingContext); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	err := probe(ctx, "redis", zapLogger, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// probe retries ping with exponential backoff so the API can start
// alongside its dependencies.
func probe(ctx context.Context, dependency string, logger *zap.Logger, ping func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), startupProbeAttempts), ctx)
	return backoff.RetryNotify(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return ping(pingCtx)
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("dependency not ready",
			zap.String("dependency", dependency),
			zap.Error(err),
			zap.Duration("retry_in", wait))
	})
}

// serveHTTPServer serves until the server fails or ctx is done, then shuts
// down gracefully within shutdownTimeout. A nil listener uses server.Addr.
func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down", zap.NamedError("cause", context.Cause(ctx)))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
