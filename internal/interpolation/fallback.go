package interpolation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smukkama/aqgrid/internal/logging"
)

// Fallback runs a primary strategy under a time budget and substitutes a
// secondary one when the primary fails with a recoverable error, times out,
// or leaves cells unset.
type Fallback struct {
	primary   Interpolator
	secondary Interpolator
	budget    time.Duration
	log       *slog.Logger
}

// WithFallback wraps primary. A zero budget disables the timeout.
func WithFallback(primary, secondary Interpolator, budget time.Duration, log *slog.Logger) *Fallback {
	return &Fallback{primary: primary, secondary: secondary, budget: budget, log: logging.OrDiscard(log)}
}

// Method reports the requested (primary) method.
func (f *Fallback) Method() Method { return f.primary.Method() }

// Recoverable reports whether err should trigger the fallback.
func Recoverable(err error) bool {
	return errors.Is(err, ErrVariogramFit) || errors.Is(err, ErrSingularSystem) || errors.Is(err, context.DeadlineExceeded)
}

type outcome struct {
	res Result
	err error
}

// Predict implements Interpolator.
func (f *Fallback) Predict(ctx context.Context, targets []Target, obs []Observation) (Result, error) {
	pctx := ctx
	cancel := context.CancelFunc(func() {})
	if f.budget > 0 {
		pctx, cancel = context.WithTimeout(ctx, f.budget)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := f.primary.Predict(pctx, targets, obs)
		done <- outcome{res: res, err: err}
	}()

	var primary outcome
	select {
	case primary = <-done:
	case <-pctx.Done():
		primary = outcome{err: pctx.Err()}
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if primary.err != nil {
		if !Recoverable(primary.err) {
			return Result{}, primary.err
		}
		reason := primary.err.Error()
		if errors.Is(primary.err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("%s exceeded time budget %s", f.primary.Method(), f.budget)
		}
		f.log.Warn("interpolation falling back",
			"primary", f.primary.Method(), "fallback", f.secondary.Method(), "reason", reason)

		res, err := f.secondary.Predict(ctx, targets, obs)
		if err != nil {
			return Result{}, err
		}
		for i := range res.Predictions {
			res.Predictions[i].Flags = append(res.Predictions[i].Flags, FlagFallback)
		}
		res.Fallback = reason
		return res, nil
	}

	return f.fillUnset(ctx, targets, obs, primary.res)
}

// fillUnset predicts the cells the primary left unset with the secondary
// strategy, keeping the primary's flags.
func (f *Fallback) fillUnset(ctx context.Context, targets []Target, obs []Observation, res Result) (Result, error) {
	var missing []int
	for i, p := range res.Predictions {
		if p.Value == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return res, nil
	}

	sub := make([]Target, len(missing))
	for k, i := range missing {
		sub[k] = targets[i]
	}
	alt, err := f.secondary.Predict(ctx, sub, obs)
	if err != nil {
		return Result{}, err
	}

	filled := 0
	for k, i := range missing {
		p := alt.Predictions[k]
		if p.Value == nil {
			continue
		}
		p.Flags = append(append([]string{}, res.Predictions[i].Flags...), append(p.Flags, FlagFallback)...)
		res.Predictions[i] = p
		filled++
	}
	if filled > 0 {
		res.Fallback = fmt.Sprintf("%d of %d cells predicted by %s", filled, len(targets), f.secondary.Method())
	}
	return res, nil
}

// Config bundles the settings New needs.
type Config struct {
	IDW     IDWConfig
	Kriging KrigingConfig

	// Budget bounds the kriging fit before falling back to IDW.
	Budget time.Duration
}

// New returns the strategy for method. Kriging is always wrapped with an
// IDW fallback.
func New(method Method, cfg Config, log *slog.Logger) (Interpolator, error) {
	switch method {
	case MethodIDW:
		return NewIDW(cfg.IDW), nil
	case MethodKriging:
		return WithFallback(NewKriging(cfg.Kriging, log), NewIDW(cfg.IDW), cfg.Budget, log), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
}
