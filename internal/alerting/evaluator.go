package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/internal/queue"
	"github.com/smukkama/aqgrid/internal/validation"
)

// AlertLog records alert history; *database.DB implements it.
type AlertLog interface {
	InsertAlertLog(ctx context.Context, a *database.AlertLog) error
	ClearAlertLog(ctx context.Context, id int64, clearedAt time.Time) error
}

// Observer counts published alerts; metrics implement it.
type Observer interface {
	AlertPublished(metric, status string)
}

// Evaluator applies validation results to the alert state machine. It
// implements pipeline.AlertSink.
type Evaluator struct {
	thresholds validation.Thresholds
	states     StateStore
	alertLog   AlertLog
	producer   queue.Publisher
	observer   Observer
	log        *slog.Logger
	now        func() time.Time

	// pendingRuns is how many consecutive breaching runs trigger an alert.
	pendingRuns int
}

// Options configures an Evaluator. AlertLog, Producer and Observer may be
// nil.
type Options struct {
	AlertLog    AlertLog
	Producer    queue.Publisher
	Observer    Observer
	PendingRuns int
	Log         *slog.Logger
}

// NewEvaluator creates a new alert evaluator
func NewEvaluator(thresholds validation.Thresholds, states StateStore, opts Options) *Evaluator {
	if opts.PendingRuns <= 0 {
		opts.PendingRuns = 1
	}
	return &Evaluator{
		thresholds:  thresholds,
		states:      states,
		alertLog:    opts.AlertLog,
		producer:    opts.Producer,
		observer:    opts.Observer,
		log:         logging.OrDiscard(opts.Log),
		now:         time.Now,
		pendingRuns: opts.PendingRuns,
	}
}

// SetClock replaces the time source; tests use it.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Key identifies the state of one metric for a region and method.
func Key(region interpolation.BBox, method interpolation.Method, metric string) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f:%s:%s",
		region.MinLat, region.MinLon, region.MaxLat, region.MaxLon, method, metric)
}

// Process advances the state of every configured metric for res. Runs with
// too few pairs to judge leave the states untouched. Per-metric failures
// are joined; one failing metric does not stop the others.
func (e *Evaluator) Process(ctx context.Context, res *validation.Result, breaches []validation.Breach) error {
	if res == nil || res.Metrics.N < e.thresholds.MinPairs {
		return nil
	}

	breached := make(map[string]validation.Breach, len(breaches))
	for _, b := range breaches {
		breached[b.Metric] = b
	}

	var errs []error
	now := e.now()
	for _, metric := range e.thresholds.Metrics() {
		key := Key(res.Region, res.Method, metric)
		state, err := e.states.GetState(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}

		if b, ok := breached[metric]; ok {
			err = e.handleBreach(ctx, key, res, b, state, now)
		} else {
			err = e.handleNoBreach(ctx, key, res, metric, state, now)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Evaluator) handleBreach(ctx context.Context, key string, res *validation.Result, b validation.Breach, state *AlertState, now time.Time) error {
	switch state.Status {
	case StateClear:
		state = &AlertState{
			Status:       StatePending,
			BreachStart:  now,
			LastChecked:  now,
			BreachValue:  b.Value,
			BreachedRuns: 1,
		}
		if state.BreachedRuns >= e.pendingRuns {
			return e.trigger(ctx, key, res, b, state, now)
		}
		return e.states.SetState(ctx, key, state)

	case StatePending:
		state.BreachedRuns++
		state.LastChecked = now
		state.BreachValue = b.Value
		if state.BreachedRuns >= e.pendingRuns {
			return e.trigger(ctx, key, res, b, state, now)
		}
		return e.states.SetState(ctx, key, state)

	case StateActive:
		state.BreachedRuns++
		state.LastChecked = now
		state.BreachValue = b.Value
		return e.states.SetState(ctx, key, state)
	}
	return nil
}

func (e *Evaluator) handleNoBreach(ctx context.Context, key string, res *validation.Result, metric string, state *AlertState, now time.Time) error {
	switch state.Status {
	case StatePending:
		return e.states.DeleteState(ctx, key)
	case StateActive:
		return e.clear(ctx, key, res, metric, state, now)
	}
	return nil
}

func (e *Evaluator) trigger(ctx context.Context, key string, res *validation.Result, b validation.Breach, state *AlertState, now time.Time) error {
	e.log.Warn("validation alert triggered",
		"region", regionString(res.Region), "method", res.Method, "metric", b.Metric, "value", b.Value, "threshold", b.Threshold, "run", res.ID)

	if e.alertLog != nil {
		entry := &database.AlertLog{
			Region:      regionString(res.Region),
			Method:      string(res.Method),
			Metric:      b.Metric,
			Value:       b.Value,
			Threshold:   b.Threshold,
			Comparison:  b.Comparison,
			Status:      database.AlertStatusActive,
			RunID:       res.ID,
			TriggeredAt: now,
		}
		if err := e.alertLog.InsertAlertLog(ctx, entry); err != nil {
			return fmt.Errorf("failed to insert alert log: %w", err)
		}
		state.AlertID = entry.ID
	}

	state.Status = StateActive
	state.LastChecked = now
	if err := e.states.SetState(ctx, key, state); err != nil {
		return err
	}

	return e.notify(ctx, &protocol.AlertNotification{
		Type:       protocol.AlertTypeTriggered,
		Region:     res.Region,
		Method:     string(res.Method),
		Metric:     b.Metric,
		Value:      b.Value,
		Threshold:  b.Threshold,
		Comparison: b.Comparison,
		RunID:      res.ID,
		StartTime:  state.BreachStart,
		AlertID:    state.AlertID,
	})
}

func (e *Evaluator) clear(ctx context.Context, key string, res *validation.Result, metric string, state *AlertState, now time.Time) error {
	e.log.Info("validation alert cleared", "region", regionString(res.Region), "method", res.Method, "metric", metric, "run", res.ID)

	if e.alertLog != nil && state.AlertID > 0 {
		if err := e.alertLog.ClearAlertLog(ctx, state.AlertID, now); err != nil {
			return fmt.Errorf("failed to update alert log: %w", err)
		}
	}
	if err := e.states.DeleteState(ctx, key); err != nil {
		return err
	}

	return e.notify(ctx, &protocol.AlertNotification{
		Type:      protocol.AlertTypeCleared,
		Region:    res.Region,
		Method:    string(res.Method),
		Metric:    metric,
		RunID:     res.ID,
		StartTime: state.BreachStart,
		AlertID:   state.AlertID,
	})
}

func (e *Evaluator) notify(ctx context.Context, n *protocol.AlertNotification) error {
	if e.observer != nil {
		e.observer.AlertPublished(n.Metric, n.Type)
	}
	if e.producer == nil {
		return nil
	}
	data, err := protocol.EncodeAlertNotification(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return e.producer.Publish(ctx, Key(n.Region, interpolation.Method(n.Method), n.Metric), data)
}

// Restore re-creates the active state of every open alert in the log that
// the state store no longer holds, so the next healthy run clears it.
func (e *Evaluator) Restore(ctx context.Context, open []database.AlertLog) (int, error) {
	restored := 0
	var errs []error
	for _, a := range open {
		key := a.Region + ":" + a.Method + ":" + a.Metric
		state, err := e.states.GetState(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if state.Status == StateActive {
			continue
		}
		err = e.states.SetState(ctx, key, &AlertState{
			Status:       StateActive,
			BreachStart:  a.TriggeredAt,
			LastChecked:  a.TriggeredAt,
			BreachValue:  a.Value,
			BreachedRuns: e.pendingRuns,
			AlertID:      a.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

func regionString(b interpolation.BBox) string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}
