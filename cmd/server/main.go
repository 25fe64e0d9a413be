package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"ledger/internal/anomaly"
	anomalymetrics "ledger/internal/anomaly/metrics"
	"ledger/internal/ledger/handler"
	"ledger/internal/ledger/ingest"
	"ledger/internal/ledger/integrity"
	"ledger/internal/ledger/lock"
	ledgermetrics "ledger/internal/ledger/metrics"
	"ledger/internal/ledger/service"
	pgstore "ledger/internal/ledger/store/postgres"
	"ledger/internal/ledger/stream"
	"ledger/internal/ledger/worker"
	"ledger/internal/platform/config"
	"ledger/internal/platform/httpserver"
	"ledger/internal/platform/kafka"
	"ledger/internal/platform/logger"
	httpmetrics "ledger/internal/platform/metrics"
	"ledger/internal/platform/postgres"
	"ledger/internal/platform/redis"
	"ledger/pkg/platform/audit/spill"
	"ledger/pkg/platform/circuit"
	"ledger/pkg/platform/httputil"
	"ledger/pkg/platform/middleware/admin"
	"ledger/pkg/platform/middleware/metadata"
	"ledger/pkg/platform/middleware/request"
	"ledger/pkg/platform/middleware/requesttime"
)

// main wires the ledger's dependencies and runs the RPC server, the
// periodic jobs and the Kafka ingest consumer until SIGINT/SIGTERM.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("audit ledger stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	store := pgstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	signer, err := integrity.NewSigner([]byte(cfg.Ledger.SigningSecret), cfg.Ledger.KeyVersion)
	if err != nil {
		return err
	}
	if cfg.Ledger.SigningSecret == config.DevSigningSecret {
		log.Warn("using the development signing secret; set LEDGER_SIGNING_SECRET")
	}

	policy, err := service.ParseFailurePolicy(cfg.Ledger.FailurePolicy)
	if err != nil {
		return err
	}
	svcCfg := service.DefaultConfig()
	svcCfg.FailurePolicy = policy
	svcCfg.MaxRetries = cfg.Ledger.WriteMaxRetries
	svcCfg.MaxElapsed = cfg.Ledger.WriteMaxElapsed
	svcCfg.NotifyTimeout = cfg.Ledger.NotifyTimeout

	lm := ledgermetrics.New()
	svcOpts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(lm),
		service.WithConfig(svcCfg),
		service.WithSpill(spill.NewRingBuffer(cfg.Ledger.SpillCapacity)),
		service.WithBreaker(circuit.New("ledger_store")),
	}

	anomalyCfg, err := anomaly.LoadConfig(cfg.AnomalyConfigPath)
	if err != nil {
		return err
	}
	if err := anomalyCfg.ApplyEnv(os.Getenv); err != nil {
		return err
	}
	detectorOpts := []anomaly.Option{
		anomaly.WithLogger(log),
		anomaly.WithMetrics(anomalymetrics.New()),
		anomaly.WithConfig(anomalyCfg),
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled() {
		producer, err = kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer producer.Close()
		if cfg.Kafka.CreateTopics {
			if err := kafka.EnsureTopics(ctx, producer.Client(), 3, 1,
				cfg.Kafka.IngestTopic, cfg.Kafka.EntriesTopic, cfg.Kafka.FindingsTopic); err != nil {
				return err
			}
		}
		pub, err := stream.New(producer, stream.Topics{
			Entries:  cfg.Kafka.EntriesTopic,
			Findings: cfg.Kafka.FindingsTopic,
		}, lm)
		if err != nil {
			return err
		}
		svcOpts = append(svcOpts, service.WithNotifier(pub))
		detectorOpts = append(detectorOpts, anomaly.WithPublisher(pub))
	}

	svc, err := service.New(store, signer, svcOpts...)
	if err != nil {
		return err
	}
	defer svc.Wait()

	detector, err := anomaly.New(store, detectorOpts...)
	if err != nil {
		return err
	}

	workerOpts := []worker.Option{worker.WithLogger(log), worker.WithScanner(detector)}
	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		workerOpts = append(workerOpts, worker.WithLocker(lock.NewRedisLocker(redisClient.Client)))
	}
	jobs, err := worker.New(svc, worker.Config{
		SealInterval:   cfg.Workers.SealInterval,
		SealLockTTL:    cfg.Workers.SealLockTTL,
		ScanInterval:   cfg.Workers.ScanInterval,
		ScanLockTTL:    cfg.Workers.ScanLockTTL,
		ScanLookback:   cfg.Workers.ScanLookback,
		DrainInterval:  cfg.Workers.DrainInterval,
		DrainBatch:     cfg.Workers.DrainBatch,
		RecordFindings: true,
	}, workerOpts...)
	if err != nil {
		return err
	}

	health := func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Health(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
	router := newRouter(cfg.Server.AdminToken, log, httpmetrics.New(), handler.New(svc, detector, log), health)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting audit ledger", "addr", cfg.Server.Addr, "failure_policy", policy)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return jobs.Run(ctx)
	})
	if cfg.Kafka.Enabled() {
		topics := ingest.NewRouter(log, nil)
		topics.Register(cfg.Kafka.IngestTopic, ingest.NewEventHandler(svc, log, lm))
		consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Group:   cfg.Kafka.ConsumerGroup,
			Topics:  []string{cfg.Kafka.IngestTopic},
		}, topics, log)
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error {
			err := consumer.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}

func newRouter(adminToken string, log *slog.Logger, m *httpmetrics.Metrics, h *handler.Handler, health func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)
	r.Use(m.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdminToken(adminToken, log))
		h.Register(r)
	})
	return r
}
