package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tab-payment-service/internal/app"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/database"
	"tab-payment-service/internal/events"
	grpcServer "tab-payment-service/internal/grpc"
	"tab-payment-service/internal/handlers"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/repository"
	"tab-payment-service/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Setup(cfg.LogLevel, cfg.Env)

	if cfg.HTTP.GinMode != "" {
		gin.SetMode(cfg.HTTP.GinMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database handle: %v", err)
	}
	defer sqlDB.Close()

	// Events
	publisher, err := events.NewPublisher(cfg.Events)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	// Redis/Asynq Client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
	defer asynqClient.Close()

	svc, err := app.Build(app.Dependencies{
		Config:     cfg,
		Store:      repository.NewGormStore(db),
		Queue:      worker.NewSettlementQueue(asynqClient),
		Publisher:  publisher,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialise services: %v", err)
	}
	defer svc.Close()

	// Initialize Gin
	r, err := handlers.NewRouter(cfg.HTTP.TrustedProxies, cors.New(corsConfig(cfg.HTTP.CORSAllowedOrigins)))
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome To Tab Payment service",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.NewPaymentHandler(svc.Payments, svc.Callbacks).RegisterRoutes(r)

	// Start gRPC health server
	health := grpcServer.NewServer(sqlDB)
	go func() {
		if err := health.Serve(ctx, cfg.GRPC.Port); err != nil {
			logger.WithError(err).Error("gRPC server stopped")
		}
	}()

	// Start Cron Scheduler
	sweeper, err := svc.Machine.StartScheduler(cfg.Mpesa.TimeoutSweepSpec)
	if err != nil {
		log.Fatalf("Failed to start timeout scheduler: %v", err)
	}

	srv := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: r}
	go func() {
		logger.WithField("port", cfg.HTTP.Port).Info("HTTP Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	<-sweeper.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	health.Stop()
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", logging.CorrelationIDHeader},
		ExposeHeaders: []string{logging.CorrelationIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}
