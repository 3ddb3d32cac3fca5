package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vending-kiosk/config"
	"vending-kiosk/internal/api"
	"vending-kiosk/internal/broker"
	"vending-kiosk/internal/controller"
	"vending-kiosk/internal/ledgerclient"
	"vending-kiosk/internal/redisclient"
	"vending-kiosk/internal/session"
	"vending-kiosk/internal/store"
	"vending-kiosk/internal/util"
	"vending-kiosk/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const machineLockTTL = 30 * time.Second

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting vending kiosk", zap.String("machine_id", cfg.Machine.ID))

	tp, err := util.InitTracer("vending-kiosk", cfg.Machine.ID, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	lock := redisclient.NewMachineLock(redisClient, cfg.Machine.ID, machineLockTTL)
	if err := lock.Acquire(context.Background()); err != nil {
		logger.Fatal("Failed to lock machine", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil {
			logger.Error("Failed to release machine lock", zap.Error(err))
		}
	}()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	eventPublisher := broker.NewEventPublisher(producer, 256)

	ledger := ledgerclient.NewClient(cfg.Remote.BaseURL, cfg.Remote.Timeout)
	ctrl := controller.New(ledger, cfg.Machine.ID)
	unsubscribe := ctrl.Subscribe(eventPublisher.Listen)
	defer unsubscribe()

	flow := session.NewFlow(ctrl, session.RealScheduler{}, session.Config{
		DispenseDelay: cfg.Session.DispenseDelay,
		DisplayDelay:  cfg.Session.DisplayDelay,
	})
	flow.OnStage(func(stage session.Stage) {
		util.KioskStage.Set(float64(stage))
		logger.Debug("Screen changed", zap.Stringer("stage", stage))
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	publisherDone := make(chan struct{})
	go func() {
		eventPublisher.Run(workerCtx)
		close(publisherDone)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	lockLost := make(chan struct{})
	go func() {
		if err := lock.Keep(workerCtx); errors.Is(err, redisclient.ErrLockHeld) {
			close(lockLost)
		}
	}()

	var (
		sales       api.SalesLister
		auditWorker *worker.AuditWorker
		db          *store.Store
	)
	if cfg.Audit.Enabled {
		db, err = store.NewStore(cfg.Audit.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database connected")
		sales = db

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		auditWorker = worker.NewAuditWorker(consumer, db, redisClient)
		go func() {
			if err := auditWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Audit worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(ctrl, flow, sales, cfg.Machine.ID)
	handler.AddReadinessCheck("redis", redisClient.Ping)
	if db != nil {
		handler.AddReadinessCheck("database", db.Ping)
	}
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	select {
	case <-quit:
	case <-lockLost:
		logger.Error("Another process took over this machine, shutting down")
	}

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	flow.Close()
	workerCancel()
	<-publisherDone
	if auditWorker != nil {
		auditWorker.Stop()
	}

	logger.Info("Server exited")
}
