package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/internal/qc"
)

// MessageSource is the consuming side of *Consumer.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// ReadingStore is the persistence the ingest writer needs; *database.DB
// implements it.
type ReadingStore interface {
	InsertReadings(ctx context.Context, recs []qc.HarmonizedRecord) (int, error)
	InsertReferenceReadings(ctx context.Context, readings []database.ReferenceReading) error
	RecentValues(ctx context.Context, sensorIDs []string, limit int) (map[string][]float64, error)
	InsertCovariates(ctx context.Context, ts time.Time, points []interpolation.CovariatePoint) error
	Reading(ctx context.Context, id string) (qc.HarmonizedRecord, error)
}

// IngestObserver counts ingested readings by result; metrics implement it.
type IngestObserver interface {
	ReadingsIngested(result string, n int)
}

// Ingest results reported to the observer.
const (
	ResultValid     = "valid"
	ResultInvalid   = "invalid"
	ResultDropped   = "dropped"
	ResultReference = "reference"
	ResultCovariate = "covariate"
	ResultCorrected = "corrected"
)

// IngestWriter consumes raw readings from Kafka, harmonizes them and
// batch-writes the records to the database. A batch that cannot be stored
// is retried with backoff before anything else is consumed.
type IngestWriter struct {
	consumer      MessageSource
	store         ReadingStore
	harmonizer    *qc.Harmonizer
	tracker       *qc.SpikeTracker
	window        int
	observer      IngestObserver
	log           *slog.Logger
	batchSize     int
	flushInterval time.Duration
	retryBackoff  time.Duration
	maxBackoff    time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// IngestConfig sizes the writer's batches and spike windows.
type IngestConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	SpikeWindow   int
}

// NewIngestWriter creates a new ingest writer. observer may be nil.
func NewIngestWriter(consumer MessageSource, store ReadingStore, h *qc.Harmonizer, cfg IngestConfig, observer IngestObserver, log *slog.Logger) *IngestWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &IngestWriter{
		consumer:      consumer,
		store:         store,
		harmonizer:    h,
		tracker:       qc.NewSpikeTracker(cfg.SpikeWindow),
		window:        cfg.SpikeWindow,
		observer:      observer,
		log:           logging.OrDiscard(log),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		retryBackoff:  time.Second,
		maxBackoff:    time.Minute,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming and writing to database
func (w *IngestWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop flushes the pending batch and waits for the writer to exit.
func (w *IngestWriter) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *IngestWriter) run(ctx context.Context) {
	defer w.wg.Done()

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var batch []kafka.Message
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, w.batchSize)
	go func() {
		defer close(msgChan)
		for {
			msg, err := w.consumer.Consume(consumeCtx)
			if err != nil {
				if consumeCtx.Err() != nil {
					return
				}
				w.log.Warn("consumer error", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			select {
			case msgChan <- msg:
			case <-consumeCtx.Done():
				return
			}
		}
	}()

	// Flushing after shutdown uses a fresh context so the final batch is
	// not lost to the cancelled one. A batch that still fails stays
	// uncommitted and is redelivered after restart.
	final := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := w.flush(flushCtx, batch); err != nil {
			w.log.Error("final batch not stored, offsets left uncommitted", "messages", len(batch), "error", err)
		}
	}

	for {
		select {
		case <-w.stopCh:
			final()
			return

		case <-ctx.Done():
			final()
			return

		case <-ticker.C:
			if len(batch) > 0 {
				w.log.Debug("flush interval reached", "messages", len(batch))
				if !w.persist(ctx, batch) {
					final()
					return
				}
				batch = nil
			}

		case msg, ok := <-msgChan:
			if !ok {
				final()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				if !w.persist(ctx, batch) {
					final()
					return
				}
				batch = nil
			}
		}
	}
}

// persist flushes batch until it is stored. It returns false when the
// writer is stopped first; the batch is then still unstored.
func (w *IngestWriter) persist(ctx context.Context, batch []kafka.Message) bool {
	backoff := w.retryBackoff
	for attempt := 1; ; attempt++ {
		err := w.flush(ctx, batch)
		if err == nil {
			return true
		}
		w.log.Error("failed to store batch, retrying",
			"messages", len(batch), "attempt", attempt, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-w.stopCh:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		}
		backoff = min(2*backoff, w.maxBackoff)
	}
}

// flush harmonizes and stores one batch. Offsets are committed only after
// the batch is stored; undecodable messages are committed and skipped. On
// error nothing is committed and the spike windows are left as they were,
// so the same batch can be flushed again.
func (w *IngestWriter) flush(ctx context.Context, batch []kafka.Message) error {
	if len(batch) == 0 {
		return nil
	}

	var raws []qc.RawReading
	var refs []database.ReferenceReading
	var covariates []*protocol.CovariateMessage
	var corrections []*protocol.CorrectionMessage
	undecodable := 0
	for _, msg := range batch {
		parsed, err := protocol.ParseMessage(msg.Value)
		if err != nil {
			w.log.Warn("skipping message", "partition", msg.Partition, "offset", msg.Offset, "error", err)
			undecodable++
			continue
		}
		switch m := parsed.(type) {
		case *protocol.ReadingMessage:
			raws = append(raws, m.Reading)
		case *protocol.ReferenceMessage:
			refs = append(refs, database.ReferenceReading{
				MonitorID: m.MonitorID,
				Lat:       m.Lat,
				Lon:       m.Lon,
				Timestamp: m.Timestamp.UTC(),
				PM25:      m.PM25,
			})
		case *protocol.CovariateMessage:
			covariates = append(covariates, m)
		case *protocol.CorrectionMessage:
			corrections = append(corrections, m)
		}
	}

	if err := w.store.InsertReferenceReadings(ctx, refs); err != nil {
		return fmt.Errorf("failed to store %d reference readings: %w", len(refs), err)
	}

	samples := 0
	for _, m := range covariates {
		if err := w.store.InsertCovariates(ctx, m.Timestamp.UTC(), covariatePoints(m.Samples)); err != nil {
			return fmt.Errorf("failed to store covariates at %s: %w", m.Timestamp.Format(time.RFC3339), err)
		}
		samples += len(m.Samples)
	}

	w.seed(ctx, raws)
	tracker := w.tracker.Clone()
	recs, stats := w.harmonizer.HarmonizeBatch(raws, tracker)
	inserted, err := w.store.InsertReadings(ctx, recs)
	if err != nil {
		return fmt.Errorf("failed to store %d readings: %w", len(recs), err)
	}

	corrected, rejected, err := w.correct(ctx, corrections)
	if err != nil {
		return err
	}
	w.tracker = tracker

	w.report(ResultValid, stats.Valid)
	w.report(ResultInvalid, stats.Invalid)
	w.report(ResultDropped, stats.Dropped+undecodable+rejected)
	w.report(ResultReference, len(refs))
	w.report(ResultCovariate, samples)
	w.report(ResultCorrected, corrected)

	if err := w.commit(ctx, batch); err != nil {
		// The batch is stored; redelivered messages are no-ops.
		w.log.Error("failed to commit offsets", "error", err)
	}
	w.log.Info("flushed batch",
		"messages", len(batch),
		"inserted", inserted,
		"valid", stats.Valid,
		"invalid", stats.Invalid,
		"dropped", stats.Dropped+undecodable+rejected,
		"reference", len(refs),
		"covariates", samples,
		"corrected", corrected)
	return nil
}

// correct stores a superseding record per correction. Corrections naming
// an unknown record or an out-of-range value are rejected and skipped.
func (w *IngestWriter) correct(ctx context.Context, msgs []*protocol.CorrectionMessage) (corrected, rejected int, err error) {
	if len(msgs) == 0 {
		return 0, 0, nil
	}
	recs := make([]qc.HarmonizedRecord, 0, len(msgs))
	for _, m := range msgs {
		orig, err := w.store.Reading(ctx, m.RecordID)
		if errors.Is(err, database.ErrReadingNotFound) {
			w.log.Warn("skipping correction of unknown reading", "record", m.RecordID)
			rejected++
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		rec, err := w.harmonizer.Correct(orig, m.PM25)
		if err != nil {
			w.log.Warn("skipping correction", "record", m.RecordID, "error", err)
			rejected++
			continue
		}
		recs = append(recs, rec)
	}
	if _, err := w.store.InsertReadings(ctx, recs); err != nil {
		return 0, 0, fmt.Errorf("failed to store %d corrections: %w", len(recs), err)
	}
	return len(recs), rejected, nil
}

func covariatePoints(samples []protocol.CovariateSample) []interpolation.CovariatePoint {
	points := make([]interpolation.CovariatePoint, len(samples))
	for i, smp := range samples {
		points[i] = interpolation.CovariatePoint{Name: smp.Name, Lat: smp.Lat, Lon: smp.Lon, Value: smp.Value}
	}
	return points
}

// seed loads stored spike windows for sensors the tracker has not seen
// since start-up.
func (w *IngestWriter) seed(ctx context.Context, raws []qc.RawReading) {
	var unknown []string
	seen := make(map[string]bool)
	for _, raw := range raws {
		id := w.harmonizer.SensorKey(raw)
		if id == "" || seen[id] || w.tracker.Known(id) {
			continue
		}
		seen[id] = true
		unknown = append(unknown, id)
	}
	if len(unknown) == 0 {
		return
	}

	recent, err := w.store.RecentValues(ctx, unknown, w.window)
	if err != nil {
		w.log.Warn("failed to seed spike windows", "sensors", len(unknown), "error", err)
		return
	}
	for _, id := range unknown {
		w.tracker.Seed(id, recent[id])
	}
}

func (w *IngestWriter) commit(ctx context.Context, batch []kafka.Message) error {
	var errs []error
	for _, msg := range batch {
		if err := w.consumer.Commit(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err))
		}
	}
	return errors.Join(errs...)
}

func (w *IngestWriter) report(result string, n int) {
	if w.observer != nil && n > 0 {
		w.observer.ReadingsIngested(result, n)
	}
}
