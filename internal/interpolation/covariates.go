package interpolation

import (
	"math"
	"sort"
)

// CovariateField supplies external drift values by location.
type CovariateField interface {
	Names() []string
	Sample(name string, lat, lon float64) (float64, bool)
}

func sampleAll(f CovariateField, lat, lon float64) map[string]float64 {
	out := make(map[string]float64)
	for _, name := range f.Names() {
		if v, ok := f.Sample(name, lat, lon); ok {
			out[name] = v
		}
	}
	return out
}

// CovariatePoint is one sampled covariate value.
type CovariatePoint struct {
	Name  string
	Lat   float64
	Lon   float64
	Value float64
}

// PointField answers samples from the nearest point of each covariate
// within MaxDistanceM.
type PointField struct {
	maxDist float64
	layers  map[string]*pointLayer
}

type pointLayer struct {
	index  *pointIndex
	values []float64
}

// NewPointField indexes points per covariate name.
func NewPointField(points []CovariatePoint, maxDistanceM float64) *PointField {
	grouped := make(map[string][]CovariatePoint)
	for _, p := range points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		grouped[p.Name] = append(grouped[p.Name], p)
	}

	f := &PointField{maxDist: maxDistanceM, layers: make(map[string]*pointLayer, len(grouped))}
	for name, pts := range grouped {
		lats := make([]float64, len(pts))
		lons := make([]float64, len(pts))
		values := make([]float64, len(pts))
		for i, p := range pts {
			lats[i], lons[i], values[i] = p.Lat, p.Lon, p.Value
		}
		f.layers[name] = &pointLayer{index: newPointIndex(lats, lons), values: values}
	}
	return f
}

// Names lists the covariates with at least one point.
func (f *PointField) Names() []string {
	names := make([]string, 0, len(f.layers))
	for n := range f.layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sample returns the nearest value of the covariate.
func (f *PointField) Sample(name string, lat, lon float64) (float64, bool) {
	layer, ok := f.layers[name]
	if !ok {
		return 0, false
	}
	n, ok := layer.index.nearest(lat, lon, f.maxDist)
	if !ok {
		return 0, false
	}
	return layer.values[n.idx], true
}

// Raster is a regular latitude/longitude grid of one covariate, sampled
// bilinearly. Values are row-major from (OriginLat, OriginLon) upward.
type Raster struct {
	Name      string
	OriginLat float64
	OriginLon float64
	StepDeg   float64
	Rows      int
	Cols      int
	Values    []float64
}

// Names returns the raster's single covariate.
func (r *Raster) Names() []string { return []string{r.Name} }

// Sample interpolates the raster at (lat, lon). Points outside the raster
// or next to NaN nodes are unavailable.
func (r *Raster) Sample(name string, lat, lon float64) (float64, bool) {
	if name != r.Name || r.StepDeg <= 0 || r.Rows < 1 || r.Cols < 1 || len(r.Values) < r.Rows*r.Cols {
		return 0, false
	}
	fy := (lat - r.OriginLat) / r.StepDeg
	fx := (lon - r.OriginLon) / r.StepDeg
	if fy < 0 || fx < 0 || fy > float64(r.Rows-1) || fx > float64(r.Cols-1) {
		return 0, false
	}

	y0, x0 := int(fy), int(fx)
	y1, x1 := min(y0+1, r.Rows-1), min(x0+1, r.Cols-1)
	ty, tx := fy-float64(y0), fx-float64(x0)

	v00 := r.Values[y0*r.Cols+x0]
	v01 := r.Values[y0*r.Cols+x1]
	v10 := r.Values[y1*r.Cols+x0]
	v11 := r.Values[y1*r.Cols+x1]
	v := (1-ty)*((1-tx)*v00+tx*v01) + ty*((1-tx)*v10+tx*v11)
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// Fields combines several covariate fields; the first one holding a name
// answers for it.
type Fields []CovariateField

// Names returns the union of names.
func (fs Fields) Names() []string {
	seen := make(map[string]bool)
	var names []string
	for _, f := range fs {
		for _, n := range f.Names() {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Sample asks each field in order.
func (fs Fields) Sample(name string, lat, lon float64) (float64, bool) {
	for _, f := range fs {
		if v, ok := f.Sample(name, lat, lon); ok {
			return v, true
		}
	}
	return 0, false
}
