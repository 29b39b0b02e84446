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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqgrid/internal/api"
	"github.com/smukkama/aqgrid/internal/app"
	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/queue"
	"github.com/smukkama/aqgrid/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	fmt.Println("Starting Grid Server...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Cache.UseRedis {
		redisClient, err = app.ConnectRedis(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		fmt.Println("Connected to Redis (shared grid store)")
	}

	m := metrics.New(prometheus.NewRegistry())

	// Recalibrations triggered over HTTP are announced like scheduled ones.
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCalibration)
	defer producer.Close()

	p, err := app.NewPipeline(cfg, db, app.Options{
		Metrics: m,
		Redis:   redisClient,
		Events:  queue.NewCalibrationPublisher(producer),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	go p.Cache.Run(ctx, cfg.Cache.SweepInterval)

	// Every replica needs every event to clear its own cache, so each
	// one joins under its own group.
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCalibration, "gridserver-"+uuid.NewString())
	defer consumer.Close()
	go func() {
		err := queue.ConsumeCalibrationEvents(ctx, consumer, app.InvalidateOnCalibration(p.Service), logger)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("calibration consumer stopped", "error", err)
		}
	}()
	fmt.Println("Listening for calibration changes")

	router := api.NewRouter(ctx, p.Service, m, logger)
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: api.Middleware(router, os.Stdout, logger),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	fmt.Printf("\n✓ Grid Server is running on %s\n", cfg.HTTP.Addr)
	fmt.Println("✓ Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	fmt.Println("Grid Server stopped")
}
