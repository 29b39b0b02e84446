package calibration

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
)

// ChangeListener is called after a new model has been saved.
type ChangeListener func(ctx context.Context, m *Model)

// Engine fits and stores models. Fits for one sensor are serialized so
// version numbers stay dense; different sensors fit concurrently.
type Engine struct {
	store  Store
	policy Policy
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	listeners []ChangeListener
}

// NewEngine creates an engine over store.
func NewEngine(store Store, policy Policy, log *slog.Logger) *Engine {
	return &Engine{
		store:  store,
		policy: policy,
		log:    logging.OrDiscard(log),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetClock replaces the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Policy returns the staleness policy.
func (e *Engine) Policy() Policy { return e.policy }

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// OnChange registers a listener for newly saved models.
func (e *Engine) OnChange(fn ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) sensorLock(sensorID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[sensorID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[sensorID] = l
	}
	return l
}

// Recalibrate fits a new model from pairs and appends it to the history.
// On a fit failure nothing is written and the previous model stays active.
func (e *Engine) Recalibrate(ctx context.Context, sensorID string, pairs []ReferencePair) (*Model, error) {
	l := e.sensorLock(sensorID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model, err := Fit(sensorID, pairs, e.now())
	if err != nil {
		e.log.Warn("calibration fit failed", "sensor", sensorID, "pairs", len(pairs), "error", err)
		return nil, err
	}

	prev, err := e.store.Latest(ctx, sensorID)
	switch {
	case errors.Is(err, ErrNoModel):
		model.Version = 1
	case err != nil:
		return nil, err
	default:
		model.Version = prev.Version + 1
		model.SupersedesID = prev.ID
	}

	if err := e.store.Save(ctx, model); err != nil {
		return nil, err
	}
	e.log.Info("calibration model saved",
		"sensor", sensorID, "version", model.Version, "pairs", model.PairCount,
		"sigma", model.Sigma, "r2", model.R2)

	e.mu.Lock()
	listeners := append([]ChangeListener(nil), e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, model)
	}
	return model, nil
}

// RecalibrateIfStale refits only when the current model is missing, too
// old, or drifting against recent pairs. refit reports whether a new model
// was saved.
func (e *Engine) RecalibrateIfStale(ctx context.Context, sensorID string, pairs, recent []ReferencePair) (model *Model, refit bool, err error) {
	current, err := e.store.Latest(ctx, sensorID)
	if err != nil && !errors.Is(err, ErrNoModel) {
		return nil, false, err
	}

	var residuals []float64
	if current != nil {
		residuals = Residuals(current, recent)
	}
	if st := e.policy.Evaluate(current, e.now(), residuals); !st.Stale {
		return current, false, nil
	}

	model, err = e.Recalibrate(ctx, sensorID, pairs)
	if err != nil {
		return current, false, err
	}
	return model, true, nil
}

// Diagnostics is the calibration report for one sensor.
// RecentRMSE is computed over the pairs passed to Diagnose and is zero
// when none were given.
type Diagnostics struct {
	Model       *Model  `json:"model"`
	Status      Status  `json:"status"`
	Versions    int     `json:"versions"`
	RecentRMSE  float64 `json:"recent_rmse"`
	RecentPairs int     `json:"recent_pairs"`
}

// Diagnose reports the latest model with its staleness status.
func (e *Engine) Diagnose(ctx context.Context, sensorID string, recent []ReferencePair) (Diagnostics, error) {
	hist, err := e.store.History(ctx, sensorID)
	if err != nil {
		return Diagnostics{}, err
	}
	if len(hist) == 0 {
		return Diagnostics{}, ErrNoModel
	}
	latest := hist[len(hist)-1]

	residuals := Residuals(latest, recent)
	d := Diagnostics{
		Model:       latest,
		Status:      e.policy.Evaluate(latest, e.now(), residuals),
		Versions:    len(hist),
		RecentPairs: len(residuals),
	}
	if len(residuals) > 0 {
		var ss float64
		for _, r := range residuals {
			ss += r * r
		}
		d.RecentRMSE = math.Sqrt(ss / float64(len(residuals)))
	}
	return d, nil
}
