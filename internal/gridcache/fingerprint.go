package gridcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/smukkama/aqgrid/internal/interpolation"
)

// Fingerprint is the canonical identity of a cacheable grid.
type Fingerprint struct {
	BBox        interpolation.BBox   `json:"bbox"`
	ResolutionM float64              `json:"resolution_m"`
	Method      interpolation.Method `json:"method"`
	Timestamp   time.Time            `json:"timestamp"`
	Snap        time.Duration        `json:"snap"`
	Latest      bool                 `json:"latest"`
}

// NewFingerprint canonicalizes spec: the box is rounded outward to
// precision decimal places and the timestamp truncated to snap.
func NewFingerprint(spec interpolation.GridSpec, latest bool, snap time.Duration, precision int) Fingerprint {
	ts := spec.Timestamp.UTC()
	if snap > 0 {
		ts = ts.Truncate(snap)
	}
	return Fingerprint{
		BBox: interpolation.BBox{
			MinLat: roundDown(spec.BBox.MinLat, precision),
			MinLon: roundDown(spec.BBox.MinLon, precision),
			MaxLat: roundUp(spec.BBox.MaxLat, precision),
			MaxLon: roundUp(spec.BBox.MaxLon, precision),
		},
		ResolutionM: spec.ResolutionM,
		Method:      spec.Method,
		Timestamp:   ts,
		Snap:        snap,
		Latest:      latest,
	}
}

// Spec returns the grid request the fingerprint stands for.
func (f Fingerprint) Spec() interpolation.GridSpec {
	return interpolation.GridSpec{BBox: f.BBox, ResolutionM: f.ResolutionM, Method: f.Method, Timestamp: f.Timestamp}
}

// Key hashes the canonical fields so equivalent requests share an entry.
func (f Fingerprint) Key() string {
	return makeKey(
		"grid",
		canonicalFloat(f.BBox.MinLat),
		canonicalFloat(f.BBox.MinLon),
		canonicalFloat(f.BBox.MaxLat),
		canonicalFloat(f.BBox.MaxLon),
		canonicalFloat(f.ResolutionM),
		strings.ToLower(string(f.Method)),
		f.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatBool(f.Latest),
	)
}

// String is a readable form for logs.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s res=%gm bbox=[%g,%g,%g,%g] ts=%s latest=%t",
		f.Method, f.ResolutionM, f.BBox.MinLat, f.BBox.MinLon, f.BBox.MaxLat, f.BBox.MaxLon,
		f.Timestamp.Format(time.RFC3339), f.Latest)
}

// Covers reports whether ts falls in the fingerprint's snap window.
func (f Fingerprint) Covers(ts time.Time) bool {
	if f.Snap <= 0 {
		return ts.Equal(f.Timestamp)
	}
	return !ts.Before(f.Timestamp) && ts.Before(f.Timestamp.Add(f.Snap))
}

func canonicalFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func roundDown(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Floor(v*p+1e-9) / p
}

func roundUp(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Ceil(v*p-1e-9) / p
}

func makeKey(parts ...string) string {
	joined := strings.Join(parts, "|")
	h := sha1.Sum([]byte(joined))
	return hex.EncodeToString(h[:])
}
