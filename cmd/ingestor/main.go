package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

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

	fmt.Println("Starting Ingest Service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	for _, topic := range []string{cfg.Kafka.TopicReadings, cfg.Kafka.TopicAlerts, cfg.Kafka.TopicCalibration} {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, topic, cfg.Kafka.NumPartitions, 1, logger); err != nil {
			logger.Warn("topic not created (may already exist)", "topic", topic, "error", err)
		}
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, "ingestor-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer created (registering with broker...)")

	m := metrics.New(prometheus.NewRegistry())
	app.ServeMetrics(ctx, cfg.HTTP.MetricsAddr, m, logger)
	writer := queue.NewIngestWriter(consumer, db, app.NewHarmonizer(cfg, logger), queue.IngestConfig{
		BatchSize:     cfg.Kafka.IngestBatchSize,
		FlushInterval: cfg.Kafka.IngestFlushPeriod,
		SpikeWindow:   cfg.QC.SpikeWindow,
	}, m, logger)
	writer.Start(ctx)
	fmt.Println("Ingest writer started")

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				logger.Info("consumer stats", "messages", stats.Messages, "bytes", stats.Bytes, "errors", stats.Errors)
			}
		}
	}()

	fmt.Println("\n✓ Ingest Service is running")
	fmt.Printf("✓ Batch size: %d messages | Flush interval: %s\n", cfg.Kafka.IngestBatchSize, cfg.Kafka.IngestFlushPeriod)
	fmt.Println("✓ Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down gracefully...")
	writer.Stop()
	fmt.Println("Ingest Service stopped")
}
