package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smukkama/aqgrid/internal/aggregation"
	"github.com/smukkama/aqgrid/internal/app"
	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/pipeline"
	"github.com/smukkama/aqgrid/internal/queue"
	"github.com/smukkama/aqgrid/internal/schedule"
	"github.com/smukkama/aqgrid/pkg/config"
)

// catchUp is how far back pair windows are rebuilt on start-up.
const catchUp = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	fmt.Println("Starting Recalibration Service...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCalibration)
	defer producer.Close()
	fmt.Println("Calibration event producer initialized")

	m := metrics.New(prometheus.NewRegistry())
	app.ServeMetrics(ctx, cfg.HTTP.MetricsAddr, m, logger)

	p, err := app.NewPipeline(cfg, db, app.Options{
		Metrics: m,
		Events:  queue.NewCalibrationPublisher(producer),
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	pairs := aggregation.NewPairBuilder(db, app.PairConfig(cfg), logger)
	colocations := aggregation.NewColocationRefresher(db, cfg.Calibration.ColocationMaxM, logger)

	daily, err := schedule.Daily(cfg.Schedule.RecalibrationTime)
	if err != nil {
		log.Fatalf("Invalid RECALIBRATION_TIME: %v", err)
	}

	scheduler := schedule.New(2, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	window := cfg.Interpolation.AveragingWindow
	if err := scheduler.Schedule("pairing-catch-up", time.Now(), func(ctx context.Context) {
		if _, err := colocations.Refresh(ctx); err != nil {
			logger.Error("colocation refresh failed", "error", err)
		}
		now := time.Now()
		if _, err := pairs.BuildRange(ctx, now.Add(-catchUp), now.Truncate(window)); err != nil {
			logger.Error("pair catch-up incomplete", "error", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule catch-up: %v", err)
	}

	if err := scheduler.Every("pairing", schedule.Aligned(window, cfg.Schedule.PairingDelay), func(ctx context.Context) {
		if _, err := pairs.BuildPrevious(ctx, time.Now()); err != nil {
			logger.Error("pair building failed", "error", err)
		}
	}); err != nil {
		log.Fatalf("Failed to schedule pairing: %v", err)
	}

	if err := scheduler.Every("recalibration", daily, func(ctx context.Context) {
		recalibrate(ctx, colocations, p.Service, logger)
	}); err != nil {
		log.Fatalf("Failed to schedule recalibration: %v", err)
	}

	fmt.Println("\n✓ Recalibration Service is running")
	fmt.Printf("✓ Pairs every %s (+%s) | Recalibration daily at %s\n", window, cfg.Schedule.PairingDelay, cfg.Schedule.RecalibrationTime)
	fmt.Println("✓ Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down gracefully...")
}

func recalibrate(ctx context.Context, colocations *aggregation.ColocationRefresher, svc *pipeline.Service, logger *slog.Logger) {
	if _, err := colocations.Refresh(ctx); err != nil {
		logger.Error("colocation refresh failed", "error", err)
	}

	outcomes, err := svc.Recalibrate(ctx, pipeline.RecalibrateRequest{All: true})
	if err != nil {
		logger.Error("recalibration failed", "error", err)
		return
	}
	refit, failed := 0, 0
	for _, o := range outcomes {
		switch {
		case o.Error != "":
			failed++
		case o.Refit:
			refit++
		}
	}
	logger.Info("recalibration complete", "sensors", len(outcomes), "refit", refit, "failed", failed)
}
