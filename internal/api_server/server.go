package apiserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/receiptdesk/receiptdesk/internal/config"
	"github.com/receiptdesk/receiptdesk/internal/docstore"
	"github.com/receiptdesk/receiptdesk/internal/extraction"
	"github.com/receiptdesk/receiptdesk/internal/handlers"
	"github.com/receiptdesk/receiptdesk/internal/pipeline"
	"github.com/receiptdesk/receiptdesk/internal/pipeline/jobs"
	"github.com/receiptdesk/receiptdesk/internal/service"
	"github.com/receiptdesk/receiptdesk/internal/store"
	"github.com/receiptdesk/receiptdesk/pkg/metrics"
	"github.com/receiptdesk/receiptdesk/pkg/middleware"
	"go.uber.org/zap"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	store    store.Store
	listener net.Listener
}

// New returns a new instance of a receiptdesk server.
func New(
	cfg *config.Config,
	store store.Store,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "PUT", "PATCH", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	// Parse config to safely handle special characters in credentials
	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		s.cfg.Database.Hostname,
		s.cfg.Database.User,
		s.cfg.Database.Password,
		s.cfg.Database.Port,
		s.cfg.Database.Name,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse pgx config: %w", err)
	}

	// Connection pool sized for job processing + LISTEN/NOTIFY
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	dbPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer dbPool.Close()

	documents, err := docstore.NewMinioStore(
		docstore.WithEndpoint(s.cfg.S3.Endpoint),
		docstore.WithBucket(s.cfg.S3.Bucket),
		docstore.WithAccessKey(s.cfg.S3.AccessKey),
		docstore.WithSecretKey(s.cfg.S3.SecretKey),
		docstore.WithUseSSL(s.cfg.S3.UseSSL),
	)
	if err != nil {
		return fmt.Errorf("failed to create document store: %w", err)
	}

	// Extraction stays optional: without credentials the pipeline runs and
	// fails attempts through its normal retry accounting.
	var extractor extraction.Extractor
	client, err := extraction.NewClient(extraction.Config{
		APIKey:  s.cfg.OpenAI.APIKey,
		BaseURL: s.cfg.OpenAI.BaseUrl,
		Model:   s.cfg.OpenAI.Model,
	})
	if err != nil {
		zap.S().Named("api_server").Warnw("extraction client not available", "error", err)
	} else {
		extractor = client
	}

	orchestrator := pipeline.NewOrchestrator(s.store, documents, extractor)

	workers := river.NewWorkers()
	river.AddWorker(workers, pipeline.NewProcessReceiptWorker(orchestrator))

	riverClient, err := river.NewClient[pgx.Tx](riverpgxv5.New(dbPool), &river.Config{
		Queues: map[string]river.QueueConfig{
			jobs.QueueReceipts: {MaxWorkers: 4},
		},
		Workers: workers,

		// Fast polling for immediate attempt pickup
		FetchCooldown:     50 * time.Millisecond,
		FetchPollInterval: 100 * time.Millisecond,

		// Retention policies to prevent database bloat
		CancelledJobRetentionPeriod: 24 * time.Hour,
		CompletedJobRetentionPeriod: 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create river client: %w", err)
	}

	orchestrator.SetScheduler(jobs.NewRiverScheduler(riverClient))

	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start river: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			zap.S().Named("api_server").Warnw("failed to stop river client", "error", err)
		}
	}()

	zap.S().Named("api_server").Info("River job queue initialized")

	h := handlers.New(
		service.NewReceiptService(s.store, documents, orchestrator),
		service.NewExpenseService(s.store, documents, orchestrator),
	)
	router.Route("/api/v1", h.Routes)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.Handler())

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
