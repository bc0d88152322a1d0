package main

import (
	"log"

	"github.com/hibiken/asynq"

	"tab-payment-service/internal/app"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/consumers"
	"tab-payment-service/internal/database"
	"tab-payment-service/internal/events"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/repository"
	"tab-payment-service/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Setup(cfg.LogLevel, cfg.Env)

	// Connect DB
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, err := events.NewPublisher(cfg.Events)
	if err != nil {
		log.Fatalf("Failed to create event publisher: %v", err)
	}
	defer publisher.Close()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.Redis.Addr}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Settlements that fail again inside the worker go back through the same queue;
	// the task id dedupe keeps a single pending task per transaction.
	svc, err := app.Build(app.Dependencies{
		Config:    cfg,
		Store:     repository.NewGormStore(db),
		Queue:     worker.NewSettlementQueue(asynqClient),
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialise services: %v", err)
	}
	defer svc.Close()

	// Processor
	processor := consumers.NewPaymentProcessor(svc.Callbacks, svc.Machine)

	logger.Info("Starting Asynq Worker...")
	if err := worker.StartWorker(redisOpt, processor, logger); err != nil {
		log.Fatalf("Worker stopped: %v", err)
	}
}
