package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipevane-labs/pipevane/internal/api"
	"github.com/pipevane-labs/pipevane/internal/artifacts"
	"github.com/pipevane-labs/pipevane/internal/launcher"
	"github.com/pipevane-labs/pipevane/internal/orchestrator"
	"github.com/pipevane-labs/pipevane/internal/platform/env"
	"github.com/pipevane-labs/pipevane/internal/platform/httpserver"
	"github.com/pipevane-labs/pipevane/internal/platform/k8s"
	"github.com/pipevane-labs/pipevane/internal/platform/metrics"
	"github.com/pipevane-labs/pipevane/internal/platform/objectstore"
	"github.com/pipevane-labs/pipevane/internal/platform/postgres"
	"github.com/pipevane-labs/pipevane/internal/store"
	memorystore "github.com/pipevane-labs/pipevane/internal/store/memory"
	postgresstore "github.com/pipevane-labs/pipevane/internal/store/postgres"
)

const service = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PIPEVANE_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("PIPEVANE_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	readiness := make([]httpserver.ReadinessCheck, 0, 2)

	var runStore store.Store
	switch backend := env.String("PIPEVANE_STORE", "postgres"); backend {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := postgresstore.EnsureSchema(ctx, db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		runStore = postgresstore.New(db)
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		runStore = memorystore.New()
	default:
		logger.Error("unknown store backend", "backend", backend)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	readiness = append(readiness, httpserver.ReadinessCheck{
		Name: "minio",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			_, err := storeClient.BucketExists(checkCtx, storeCfg.BucketArtifacts)
			return err
		},
	})

	taskLauncher, err := buildLauncher(logger)
	if err != nil {
		logger.Error("launcher init failed", "error", err)
		os.Exit(2)
	}

	namer := artifacts.NewNamer(
		artifacts.S3URI(storeCfg.BucketArtifacts, ""),
		artifacts.S3URI(storeCfg.BucketLogs, ""),
	)
	prober := artifacts.NewProber(storeClient, logger)
	collector := metrics.NewCollector()

	dispatchCfg, err := dispatchConfigFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	dispatcher := orchestrator.NewDispatcher(runStore, taskLauncher, namer, prober, collector, logger, dispatchCfg)

	controllerCfg, err := controllerConfigFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	controller := orchestrator.NewController(runStore, dispatcher, collector, logger, controllerCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, readiness...))
	mux.Handle("/metrics", promhttp.Handler())

	runAPI := api.New(logger, runStore, controller.Wake)
	runAPI.Register(mux)

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- controller.Run(ctx)
	}()

	cfg := httpserver.Config{
		Service:         service,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, service, mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	if err := <-controllerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("controller failed", "error", err)
		os.Exit(1)
	}
}

func buildLauncher(logger *slog.Logger) (launcher.Launcher, error) {
	switch backend := env.String("PIPEVANE_LAUNCHER", "docker"); backend {
	case "docker":
		return launcher.NewDockerLauncher(env.String("PIPEVANE_DOCKER_BIN", "docker"))
	case "kubernetes":
		client, err := k8s.NewInClusterClient()
		if err != nil {
			return nil, err
		}
		namespace := env.String("PIPEVANE_K8S_NAMESPACE", "pipevane")
		ttlSeconds, err := env.Int("PIPEVANE_K8S_JOB_TTL_SECONDS", 3600)
		if err != nil {
			return nil, err
		}
		return launcher.NewKubernetesLauncher(client, namespace, int32(ttlSeconds))
	default:
		logger.Error("unknown launcher backend", "backend", backend)
		return nil, errors.New("unknown launcher backend")
	}
}

func dispatchConfigFromEnv() (orchestrator.DispatchConfig, error) {
	maxRetries, err := env.Int("PIPEVANE_TASK_MAX_RETRIES", 2)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	retryBackoff, err := env.Duration("PIPEVANE_TASK_RETRY_BACKOFF", 10*time.Second)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	maxRetryBackoff, err := env.Duration("PIPEVANE_TASK_RETRY_BACKOFF_MAX", 5*time.Minute)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	launchAttempts, err := env.Int("PIPEVANE_LAUNCH_ATTEMPTS", 3)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	launchBackoff, err := env.Duration("PIPEVANE_LAUNCH_BACKOFF", time.Second)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	claimTimeout, err := env.Duration("PIPEVANE_CLAIM_TIMEOUT", 5*time.Minute)
	if err != nil {
		return orchestrator.DispatchConfig{}, err
	}
	return orchestrator.DispatchConfig{
		MaxRetries:      maxRetries,
		RetryBackoff:    retryBackoff,
		MaxRetryBackoff: maxRetryBackoff,
		LaunchAttempts:  launchAttempts,
		LaunchBackoff:   launchBackoff,
		ClaimTimeout:    claimTimeout,
	}, nil
}

func controllerConfigFromEnv() (orchestrator.Config, error) {
	pollInterval, err := env.Duration("PIPEVANE_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	maxInFlight, err := env.Int("PIPEVANE_MAX_IN_FLIGHT", 0)
	if err != nil {
		return orchestrator.Config{}, err
	}
	failFast, err := env.Bool("PIPEVANE_FAIL_FAST", false)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		PollInterval: pollInterval,
		MaxInFlight:  maxInFlight,
		FailFast:     failFast,
	}, nil
}
