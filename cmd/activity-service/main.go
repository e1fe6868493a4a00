package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/config"
	"github.com/academy-platform/activity/pkg/common/database"
	"github.com/academy-platform/activity/pkg/common/kafka"
	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/middleware"
	"github.com/academy-platform/activity/pkg/jobs"
	"github.com/academy-platform/activity/pkg/observability/metrics"
	"github.com/academy-platform/activity/pkg/warehouse"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to register metrics")
	}

	catalog, err := activity.LoadKinds(cfg.ActivityKindsFile)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load activity kinds")
	}

	codec, err := activity.NewCodec(cfg.ActivityCodec)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid activity codec")
	}

	rdb := database.GetRedis()
	defer database.CloseRedis()

	var locker activity.Locker
	switch cfg.ActivityLocker {
	case "redis", "":
		locker = activity.NewRedisLocker(rdb, cfg.ActivityLockTTL, cfg.ActivityLockWait)
	case "local":
		if !cfg.ActivityEmbedUploader {
			logger.Log.Fatal("local activity locks need the uploader embedded in this process")
		}
		locker = activity.NewLocalLocker(cfg.ActivityLockWait)
	default:
		logger.Log.WithField("locker", cfg.ActivityLocker).Fatal("unknown activity locker")
	}

	kv := activity.NewRedisKV(rdb)
	buffer := activity.NewBuffer(kv, locker, codec)
	workers := activity.StaticWorkers(cfg.ActivityWorkers)

	recorder := activity.NewRecorder(buffer, activity.NewDispatcher(kv, locker), workers,
		activity.WithCatalog(catalog),
		activity.WithObserver(collector),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ActivityEmbedUploader {
		stop := startUploader(ctx, cfg, kv, buffer, codec, workers, collector)
		defer stop()
	}

	var publisher activity.Publisher
	if cfg.ActivityKafkaTopic != "" {
		producer := kafka.NewProducer(cfg.ActivityKafkaTopic)
		defer producer.Close()
		publisher = producer

		consumer := kafka.NewConsumer(cfg.ActivityKafkaTopic, cfg.KafkaGroupID).
			WithRetry(activity.IsRetryable, 5, cfg.ActivityLockWait/10).
			WithDeadLetter(cfg.ActivityDeadLetterTopic)
		defer consumer.Close()

		go func() {
			if err := consumer.Consume(ctx, recorder.HandleEvent); err != nil && ctx.Err() == nil {
				logger.Log.WithError(err).Error("activity consumer stopped")
			}
		}()
	}

	handler := activity.NewHTTPHandler(recorder, publisher, buffer, workers, catalog, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.ServiceAuth(cfg.ServiceJWTSecret))
	api.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      collector.InstrumentHandler(router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":    cfg.ServerHost,
			"port":    cfg.ServerPort,
			"workers": cfg.ActivityWorkers,
			"codec":   codec.Name(),
		}).Info("Activity Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Activity Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Activity Service stopped")
}

// startUploader runs the upload scheduler inside the intake process, sharing
// its buffer and locks.
func startUploader(ctx context.Context, cfg *config.Config, kv activity.KV, buffer *activity.Buffer, codec activity.Codec, workers activity.WorkerCounter, collector *metrics.Collector) func() {
	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

	sink, closeSink, err := warehouse.Open(ctx, cfg, db)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open warehouse sink")
	}

	repo := jobs.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate task tables")
	}

	uploader := activity.NewUploader(buffer, kv, codec, sink, workers, collector)
	runner := jobs.NewRunner(repo, uploader, jobs.Options{
		Interval:         cfg.ActivitySamplingRate,
		MaxAttempts:      cfg.JobMaxAttempts,
		RetryBaseDelay:   cfg.JobRetryBaseDelay,
		BlockingStatuses: cfg.JobBlockingStatuses,
		Arguments: map[string]interface{}{
			"workers":  cfg.ActivityWorkers,
			"codec":    codec.Name(),
			"sink":     cfg.WarehouseSink,
			"table":    cfg.WarehouseTable,
			"embedded": true,
		},
	})
	scheduler := jobs.NewScheduler(runner, repo, cfg.ActivitySamplingRate)
	go scheduler.Start(ctx)

	logger.Log.WithFields(map[string]interface{}{
		"sink":   cfg.WarehouseSink,
		"locker": cfg.ActivityLocker,
	}).Info("embedded activity uploader started")

	return func() {
		scheduler.Stop()
		closeSink()
		database.ClosePostgres()
	}
}
