package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/config"
	"github.com/academy-platform/activity/pkg/common/database"
	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/middleware"
	"github.com/academy-platform/activity/pkg/jobs"
	"github.com/academy-platform/activity/pkg/observability/metrics"
	"github.com/academy-platform/activity/pkg/warehouse"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

func main() {
	logger.Init()
	cfg := config.Load()

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to register metrics")
	}

	codec, err := activity.NewCodec(cfg.ActivityCodec)
	if err != nil {
		logger.Log.WithError(err).Fatal("invalid activity codec")
	}

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	rdb := database.GetRedis()
	defer database.CloseRedis()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ActivityLocker != "redis" {
		logger.Log.WithField("locker", cfg.ActivityLocker).Fatal("the standalone uploader needs redis locks shared with the activity service")
	}

	sink, closeSink, err := warehouse.Open(ctx, cfg, db)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open warehouse sink")
	}
	defer closeSink()

	repo := jobs.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate task tables")
	}

	kv := activity.NewRedisKV(rdb)
	locker := activity.NewRedisLocker(rdb, cfg.ActivityLockTTL, cfg.ActivityLockWait)
	buffer := activity.NewBuffer(kv, locker, codec)
	uploader := activity.NewUploader(buffer, kv, codec, sink, activity.StaticWorkers(cfg.ActivityWorkers), collector)

	runner := jobs.NewRunner(repo, uploader, jobs.Options{
		Interval:         cfg.ActivitySamplingRate,
		MaxAttempts:      cfg.JobMaxAttempts,
		RetryBaseDelay:   cfg.JobRetryBaseDelay,
		BlockingStatuses: cfg.JobBlockingStatuses,
		Arguments: map[string]interface{}{
			"workers": cfg.ActivityWorkers,
			"codec":   codec.Name(),
			"sink":    cfg.WarehouseSink,
			"table":   cfg.WarehouseTable,
		},
	})
	scheduler := jobs.NewScheduler(runner, repo, cfg.ActivitySamplingRate)

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.ServiceAuth(cfg.ServiceJWTSecret))
	api.HandleFunc("/uploads/{id}/force", func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(mux.Vars(r)["id"])
		if err != nil {
			http.Error(w, "invalid task id", http.StatusBadRequest)
			return
		}
		summary, err := runner.Force(r.Context(), id)
		switch {
		case err == nil:
		case errors.Is(err, jobs.ErrTaskNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case errors.Is(err, jobs.ErrConflictingState):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		default:
			logger.Log.WithError(err).Error("forced upload failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.MetricsPort),
		Handler:      collector.InstrumentHandler(router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	go scheduler.Start(ctx)

	logger.Log.WithFields(map[string]interface{}{
		"sink":          cfg.WarehouseSink,
		"table":         cfg.WarehouseTable,
		"sampling_rate": cfg.ActivitySamplingRate.String(),
		"workers":       cfg.ActivityWorkers,
	}).Info("Activity Uploader started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Activity Uploader...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Activity Uploader stopped")
}
