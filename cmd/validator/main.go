package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smukkama/aqgrid/internal/alerting"
	"github.com/smukkama/aqgrid/internal/app"
	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/metrics"
	"github.com/smukkama/aqgrid/internal/queue"
	"github.com/smukkama/aqgrid/internal/schedule"
	"github.com/smukkama/aqgrid/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.LogLevel)

	fmt.Println("Starting Validation Service...")

	regions, err := app.Regions(cfg)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if len(regions) == 0 {
		log.Fatalf("No validation regions configured (set VALIDATION_REGIONS)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("Connected to database")

	redisClient, err := app.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	fmt.Println("Connected to Redis")

	alertProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()
	fmt.Println("Alert notification producer initialized")

	m := metrics.New(prometheus.NewRegistry())
	app.ServeMetrics(ctx, cfg.HTTP.MetricsAddr, m, logger)

	states := alerting.NewRedisStateManager(redisClient)
	evaluator := alerting.NewEvaluator(app.Thresholds(cfg), states, alerting.Options{
		AlertLog:    db,
		Producer:    alertProducer,
		Observer:    m,
		PendingRuns: cfg.Validation.PendingRuns,
		Log:         logger,
	})

	open, err := db.ActiveAlerts(ctx)
	if err != nil {
		log.Fatalf("Failed to load active alerts: %v", err)
	}
	restored, err := evaluator.Restore(ctx, open)
	if err != nil {
		logger.Warn("some alert states not restored", "error", err)
	}
	if tracked, err := states.GetAllStates(ctx); err == nil {
		fmt.Printf("Alert states: %d tracked, %d open in log, %d restored\n", len(tracked), len(open), restored)
	}

	p, err := app.NewPipeline(cfg, db, app.Options{
		Metrics: m,
		Redis:   redisClient,
		Alerts:  evaluator,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	scheduler := schedule.New(1, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	methods := []interpolation.Method{interpolation.MethodIDW, interpolation.MethodKriging}
	if err := scheduler.Every("validation", schedule.Aligned(cfg.Schedule.ValidationInterval, 0), func(ctx context.Context) {
		results := p.Service.ValidateRegions(ctx, regions, methods)
		logger.Info("validation round complete", "runs", len(results), "expected", len(regions)*len(methods))
	}); err != nil {
		log.Fatalf("Failed to schedule validation: %v", err)
	}

	fmt.Println("\n✓ Validation Service is running")
	fmt.Printf("✓ %d region(s) every %s\n", len(regions), cfg.Schedule.ValidationInterval)
	fmt.Println("✓ Press Ctrl+C to stop")

	<-ctx.Done()

	fmt.Println("\nShutting down gracefully...")
}
