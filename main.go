// Package main bootstraps one process of the scheduling service: either
// an API node serving the HTTP surface in httpapi, or a Worker node
// running the Worker Runtime's receive/process/delete loop. Role
// selection and every other runtime knob comes from a single resolved
// config.Config, following the reference stack's RunServer pattern of
// wiring components once at startup rather than reading the environment
// ad hoc.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/casestore"
	"eve.evalgo.org/catalog"
	"eve.evalgo.org/common"
	"eve.evalgo.org/config"
	"eve.evalgo.org/db"
	schedhttp "eve.evalgo.org/http"
	"eve.evalgo.org/httpapi"
	"eve.evalgo.org/janitor"
	"eve.evalgo.org/queue"
	"eve.evalgo.org/queue/boltqueue"
	"eve.evalgo.org/queue/redis"
	"eve.evalgo.org/runregistry"
	"eve.evalgo.org/statemanager"
	"eve.evalgo.org/storage"
	"eve.evalgo.org/worker"
)

const (
	serviceName = "scheduler"
	version     = "1.0.0"
)

func main() {
	role := flag.String("role", "api", "process role: api or worker")
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:   common.LogLevel(cfg.LogLevel),
		Format:  cfg.LogFormat,
		Service: serviceName,
	})
	log := logger.WithField("role", *role)
	log.WithFields(logrus.Fields{
		"store_backend": cfg.StoreBackend,
		"queue_backend": cfg.QueueBackend,
		"api_key":       common.MaskSecret(cfg.APIKey),
		"store_secret":  common.MaskSecret(cfg.StoreSecretKey),
		"audit_dsn":     common.MaskSecret(cfg.AuditDSN),
	}).Info("resolved configuration")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize object store")
	}
	q, err := buildQueue(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize queue")
	}

	registry := runregistry.New(store, cfg.CASRetryBound)
	cat := catalog.New(store, cfg.ClaimRetries)
	caseStore := casestore.New(store)

	audit, err := db.NewAuditSink(cfg.AuditDSN, log)
	if err != nil {
		log.WithError(err).Warn("audit sink disabled: failed to connect")
	}
	defer audit.Close()
	registry.SetAudit(audit)

	sweeper := &janitor.Sweeper{
		Registry: registry,
		Store:    store,
		MaxAge:   cfg.JanitorMaxAge,
		Interval: cfg.JanitorMaxAge / 24,
		Log:      log.WithField("component", "janitor"),
	}
	go sweeper.Run(ctx)

	if requeuer, ok := q.(interface {
		RequeueExpired(context.Context) (int, error)
	}); ok {
		go runRequeueLoop(ctx, requeuer, log.WithField("component", "requeue"))
	}

	switch *role {
	case "worker":
		runWorker(ctx, cfg, q, registry, cat, store, log)
	case "api":
		runAPI(cfg, registry, cat, caseStore, q, store, log)
	default:
		log.Fatalf("unknown role %q, expected api or worker", *role)
	}
}

func buildStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendS3:
		return storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:     cfg.StoreEndpoint,
			Region:       cfg.StoreRegion,
			Bucket:       cfg.StoreBucket,
			AccessKey:    cfg.StoreAccessKey,
			SecretKey:    cfg.StoreSecretKey,
			UsePathStyle: cfg.StorePathStyle,
		}, log)
	default:
		return storage.NewBoltStore(cfg.BoltPath)
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (queue.Queue, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		return redis.NewQueue(ctx, redis.Config{
			RedisURL:          cfg.QueueURL,
			KeyPrefix:         cfg.QueueName + ":",
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	case config.QueueBackendAMQP:
		return queue.NewRabbitQueue(queue.RabbitConfig{
			URL:       cfg.QueueURL,
			QueueName: cfg.QueueName,
		})
	default:
		return boltqueue.NewQueue(boltqueue.Config{
			Path:              cfg.BoltPath + ".queue",
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	}
}

func runAPI(cfg *config.Config, registry *runregistry.Registry, cat *catalog.Catalog, caseStore *casestore.Store, q queue.Queue, store storage.Store, log *logrus.Entry) {
	server := &httpapi.Server{
		Registry:     registry,
		Catalog:      cat,
		CaseStore:    caseStore,
		Queue:        q,
		Store:        store,
		MaxCaseBytes: cfg.MaxCaseBytes,
		LogHeartbeat: cfg.LogHeartbeat,
		Log:          log,
		StoreBackend: string(cfg.StoreBackend),
		QueueBackend: string(cfg.QueueBackend),
		Region:       cfg.Region,
	}

	states := statemanager.New(statemanager.Config{ServiceName: serviceName})

	runCfg := schedhttp.DefaultRunServerConfig(serviceName, "Scheduling Service", version)
	runCfg.Port = parsePort(cfg.HTTPAddress, 8080)
	runCfg.Logger = common.ServiceLogger(serviceName, version)

	err := schedhttp.RunServer(runCfg, func(e *echo.Echo) error {
		e.Use(states.Middleware("http_request"))
		if cfg.APIKey != "" {
			e.Use(schedhttp.APIKeyMiddleware(cfg.APIKey))
		}
		states.RegisterRoutes(e.Group("/admin"))
		server.RegisterRoutes(e)
		return nil
	})
	if err != nil {
		log.WithError(err).Fatal("API server exited with error")
	}
}

func runWorker(ctx context.Context, cfg *config.Config, q queue.Queue, registry *runregistry.Registry, cat *catalog.Catalog, store storage.Store, log *logrus.Entry) {
	if cfg.SolverCommand == "" {
		log.Fatal("worker role requires solver.command (SCHED_SOLVER_COMMAND) to be set")
	}

	runtime := worker.New(
		q,
		registry,
		cat,
		store,
		&worker.ObjectStoreCaseLoader{Store: store},
		&worker.ExecSolver{Path: cfg.SolverCommand, Args: cfg.SolverArgs},
		worker.Config{
			VisibilityTimeout:       cfg.VisibilityTimeout,
			ReceiveWait:             cfg.ReceiveWait,
			ProgressCallbackCadence: cfg.ProgressCallbackCadence,
		},
		log,
	)

	log.Info("worker runtime starting")
	runtime.Run(ctx)
	log.Info("worker runtime stopped")
}

func runRequeueLoop(ctx context.Context, requeuer interface {
	RequeueExpired(context.Context) (int, error)
}, log *logrus.Entry) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := requeuer.RequeueExpired(ctx)
			if err != nil {
				log.WithError(err).Warn("requeue sweep failed")
				continue
			}
			if n > 0 {
				log.WithField("count", n).Info("requeued expired in-flight envelopes")
			}
		}
	}
}

func parsePort(address string, fallback int) int {
	trimmed := strings.TrimPrefix(address, ":")
	port, err := strconv.Atoi(trimmed)
	if err != nil || port <= 0 || port > 65535 {
		return fallback
	}
	return port
}
