package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smukkama/aqgrid/internal/database"
	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/protocol"
	"github.com/smukkama/aqgrid/internal/validation"
)

type fakeAlertLog struct {
	nextID  int64
	entries map[int64]*database.AlertLog
}

func newFakeAlertLog() *fakeAlertLog {
	return &fakeAlertLog{entries: make(map[int64]*database.AlertLog)}
}

func (f *fakeAlertLog) InsertAlertLog(_ context.Context, a *database.AlertLog) error {
	f.nextID++
	a.ID = f.nextID
	cp := *a
	f.entries[a.ID] = &cp
	return nil
}

func (f *fakeAlertLog) ClearAlertLog(_ context.Context, id int64, at time.Time) error {
	e, ok := f.entries[id]
	if !ok {
		return errors.New("unknown alert")
	}
	e.Status = database.AlertStatusCleared
	e.ClearedAt = &at
	return nil
}

type fakeProducer struct {
	sent []*protocol.AlertNotification
}

func (p *fakeProducer) Publish(_ context.Context, _ string, value []byte) error {
	n, err := protocol.DecodeAlertNotification(value)
	if err != nil {
		return err
	}
	p.sent = append(p.sent, n)
	return nil
}

var region = interpolation.BBox{MinLat: 47.5, MinLon: -122.4, MaxLat: 47.7, MaxLon: -122.2}

func result(rmse float64) *validation.Result {
	return &validation.Result{
		ID:      "run",
		Method:  interpolation.MethodIDW,
		Region:  region,
		Metrics: validation.Metrics{N: 10, RMSE: rmse, Coverage95: 0.95, Reliability: 1},
	}
}

func process(t *testing.T, e *Evaluator, res *validation.Result) {
	t.Helper()
	breaches := validation.DefaultThresholds().Evaluate(res.Metrics)
	if err := e.Process(context.Background(), res, breaches); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
}

func TestAlertTriggersOnceAndClears(t *testing.T) {
	states := NewMemoryStateManager()
	alertLog := newFakeAlertLog()
	producer := &fakeProducer{}
	e := NewEvaluator(validation.DefaultThresholds(), states, Options{AlertLog: alertLog, Producer: producer})

	process(t, e, result(12))
	process(t, e, result(13))

	if len(producer.sent) != 1 {
		t.Fatalf("Expected one notification while degraded, got %d", len(producer.sent))
	}
	if n := producer.sent[0]; n.Type != protocol.AlertTypeTriggered || n.Metric != validation.MetricRMSE || n.AlertID != 1 {
		t.Errorf("Unexpected trigger notification: %+v", n)
	}
	state, _ := states.GetState(context.Background(), Key(region, interpolation.MethodIDW, validation.MetricRMSE))
	if state.Status != StateActive || state.BreachedRuns != 2 {
		t.Errorf("Expected an active state after 2 runs, got %+v", state)
	}

	process(t, e, result(4))
	if len(producer.sent) != 2 || producer.sent[1].Type != protocol.AlertTypeCleared {
		t.Fatalf("Expected a clear notification, got %+v", producer.sent)
	}
	if alertLog.entries[1].Status != database.AlertStatusCleared {
		t.Errorf("Expected the alert log entry to be cleared, got %s", alertLog.entries[1].Status)
	}
	state, _ = states.GetState(context.Background(), Key(region, interpolation.MethodIDW, validation.MetricRMSE))
	if state.Status != StateClear {
		t.Errorf("Expected CLEAR, got %s", state.Status)
	}
}

func TestPendingRunsDelayTrigger(t *testing.T) {
	producer := &fakeProducer{}
	e := NewEvaluator(validation.DefaultThresholds(), NewMemoryStateManager(), Options{Producer: producer, PendingRuns: 2})

	process(t, e, result(12))
	if len(producer.sent) != 0 {
		t.Fatalf("Expected no alert after one breach, got %d", len(producer.sent))
	}
	process(t, e, result(4))
	process(t, e, result(12))
	if len(producer.sent) != 0 {
		t.Fatalf("Expected the pending breach to reset, got %d alerts", len(producer.sent))
	}
	process(t, e, result(12))
	if len(producer.sent) != 1 {
		t.Errorf("Expected an alert after two consecutive breaches, got %d", len(producer.sent))
	}
}

func TestSmallRunsLeaveStateAlone(t *testing.T) {
	states := NewMemoryStateManager()
	producer := &fakeProducer{}
	e := NewEvaluator(validation.DefaultThresholds(), states, Options{Producer: producer})

	process(t, e, result(12))
	small := result(1)
	small.Metrics.N = 1
	process(t, e, small)

	if len(producer.sent) != 1 {
		t.Errorf("Expected the alert to stay active, got %d notifications", len(producer.sent))
	}
}

func TestKeySeparatesMethods(t *testing.T) {
	if Key(region, interpolation.MethodIDW, "rmse") == Key(region, interpolation.MethodKriging, "rmse") {
		t.Error("Expected distinct keys per method")
	}
}

func TestRestoreRecoversLostState(t *testing.T) {
	alertLog := newFakeAlertLog()
	producer := &fakeProducer{}
	e := NewEvaluator(validation.DefaultThresholds(), NewMemoryStateManager(), Options{AlertLog: alertLog, Producer: producer})
	process(t, e, result(12))

	// A fresh state store, as after losing Redis.
	fresh := NewMemoryStateManager()
	e2 := NewEvaluator(validation.DefaultThresholds(), fresh, Options{AlertLog: alertLog, Producer: producer})

	open := []database.AlertLog{*alertLog.entries[1]}
	n, err := e2.Restore(context.Background(), open)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 restored state, got %d", n)
	}
	if n, _ := e2.Restore(context.Background(), open); n != 0 {
		t.Errorf("Expected a second restore to be a no-op, got %d", n)
	}

	process(t, e2, result(4))
	if len(producer.sent) != 2 || producer.sent[1].Type != protocol.AlertTypeCleared || producer.sent[1].AlertID != 1 {
		t.Fatalf("Expected the restored alert to clear, got %+v", producer.sent)
	}
	if alertLog.entries[1].Status != database.AlertStatusCleared {
		t.Errorf("Expected the alert log entry to be cleared, got %s", alertLog.entries[1].Status)
	}
}
