// Package main is the entry point for the flowrun service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/flowrun/internal/api"
	"github.com/flexinfer/flowrun/internal/artifacts"
	"github.com/flexinfer/flowrun/internal/auth"
	"github.com/flexinfer/flowrun/internal/config"
	"github.com/flexinfer/flowrun/internal/driver"
	"github.com/flexinfer/flowrun/internal/engine"
	"github.com/flexinfer/flowrun/internal/k8s"
	"github.com/flexinfer/flowrun/internal/planstore"
	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/internal/scheduler"
	"github.com/flexinfer/flowrun/internal/telemetry"
	"github.com/flexinfer/flowrun/internal/validator"
	"github.com/flexinfer/flowrun/pkg/types"
)

func main() {
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting flowrun",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Tracing
	tracing, err := telemetry.Init(context.Background(), &telemetry.Config{
		ServiceName:    "flowrun",
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	// RunStore
	var store runstore.RunStore
	switch cfg.RunStoreType {
	case "redis":
		redisCfg := runstore.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		redisCfg.TTL = cfg.RunStoreTTL
		redisCfg.EventMaxLen = cfg.EventMaxLen
		redisStore, err := runstore.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			store = runstore.NewMemoryStore(&runstore.Config{
				EventMaxLen: cfg.EventMaxLen,
				TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
			})
		} else {
			store = redisStore
			logger.Info("using Redis runstore", slog.String("url", cfg.RedisURL))
		}
	default:
		store = runstore.NewMemoryStore(&runstore.Config{
			EventMaxLen: cfg.EventMaxLen,
			TTLSeconds:  int64(cfg.RunStoreTTL.Seconds()),
		})
		logger.Info("using in-memory runstore")
	}
	defer store.Close()

	// PlanStore
	var plans planstore.PlanStore
	switch cfg.PlanStoreType {
	case "redis":
		redisPlans, err := planstore.NewRedisStore(cfg.RedisAddr())
		if err != nil {
			logger.Error("failed to connect to Redis for plans, falling back to memory store", "error", err)
			plans = planstore.NewMemoryStore()
		} else {
			plans = redisPlans
		}
	default:
		plans = planstore.NewMemoryStore()
	}
	defer plans.Close()

	// Driver
	emitter := driver.NewRunStoreEmitter(store)
	var drv driver.Driver
	switch cfg.DriverType {
	case "k8s":
		k8sCfg := k8s.DefaultConfig()
		k8sCfg.InCluster = cfg.K8sInCluster
		if cfg.K8sKubeconfig != "" {
			k8sCfg.Kubeconfig = cfg.K8sKubeconfig
		}
		k8sCfg.Namespace = cfg.K8sNamespace
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Namespace = cfg.K8sNamespace
		k8sDriver, err := driver.NewK8sDriver(emitter, &driver.K8sDriverConfig{
			K8sConfig: k8sCfg,
			JobConfig: jobCfg,
		}, logger)
		if err != nil {
			logger.Error("failed to create k8s driver", "error", err)
			os.Exit(1)
		}
		drv = k8sDriver
		logger.Info("using k8s driver", slog.String("namespace", cfg.K8sNamespace))
	default:
		drv = driver.NewLocalSubprocessDriver(emitter, &driver.SubprocessConfig{
			EnvPassthrough: map[string]string{
				"FLOWRUN_URL": "http://localhost:" + cfg.Port,
			},
		})
		logger.Info("using subprocess driver")
	}

	// Scheduler
	resolveCmd := func(node *types.NodeSpec) []string {
		return node.Command
	}
	sched := scheduler.New(store, drv, resolveCmd, &scheduler.Config{
		MaxParallelism:     cfg.MaxParallelism,
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		DefaultBackoffSecs: cfg.DefaultBackoffSecs,
	}, logger)

	logger.Info("scheduler initialized",
		slog.Int("max_parallelism", cfg.MaxParallelism),
		slog.Int("default_retries", cfg.DefaultMaxRetries),
	)

	// Validator
	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// Engine
	eng := engine.New(store, sched, v, logger)

	// Artifacts
	art, err := artifacts.New(&artifacts.Config{
		Type:            cfg.ArtifactBackend,
		Endpoint:        cfg.ArtifactEndpoint,
		Bucket:          cfg.ArtifactBucket,
		Region:          cfg.ArtifactRegion,
		AccessKeyID:     cfg.ArtifactAccessKey,
		SecretAccessKey: cfg.ArtifactSecretKey,
		UseSSL:          cfg.ArtifactUseSSL,
	})
	if err != nil {
		logger.Error("failed to create artifact service", "error", err)
		os.Exit(1)
	}

	// API server with optional auth and rate limiting
	handlers := api.NewHandlers(store, eng, plans, v, art, cfg, logger)

	var opts []api.ServerOption
	if cfg.OIDCEnabled && cfg.OIDCIssuer != "" {
		provider, err := auth.NewProvider(context.Background(), &auth.Config{
			Issuer:       cfg.OIDCIssuer,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
		})
		if err != nil {
			logger.Error("failed to create OIDC provider", "error", err)
			os.Exit(1)
		}
		opts = append(opts, api.WithAuth(auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			Enabled: true,
		})))
		logger.Info("OIDC auth enabled", slog.String("issuer", cfg.OIDCIssuer))
	}
	if cfg.RateLimitRPS > 0 {
		opts = append(opts, api.WithRateLimit(auth.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))
	}

	server := api.NewServer(handlers, opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
