package interpolation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
)

const (
	// MetersPerDegreeLat is the length of one degree of latitude.
	MetersPerDegreeLat = 111320.0
	earthRadiusM       = 6371008.8
	minCosLat          = 0.01
)

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	dφ := (lat2 - lat1) * math.Pi / 180
	dλ := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dφ/2)*math.Sin(dφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// lonStep converts meters to degrees of longitude at lat.
func lonStep(meters, lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		c = minCosLat
	}
	return meters / (MetersPerDegreeLat * c)
}

// BBox is a latitude/longitude rectangle, edges inclusive.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Validate rejects inverted or out-of-range boxes.
func (b BBox) Validate() error {
	switch {
	case b.MinLat < -90 || b.MaxLat > 90:
		return fmt.Errorf("bbox latitude outside [-90,90]: %v..%v", b.MinLat, b.MaxLat)
	case b.MinLon < -180 || b.MaxLon > 180:
		return fmt.Errorf("bbox longitude outside [-180,180]: %v..%v", b.MinLon, b.MaxLon)
	case b.MinLat > b.MaxLat || b.MinLon > b.MaxLon:
		return fmt.Errorf("bbox min exceeds max: %+v", b)
	}
	return nil
}

// Contains reports whether the point lies inside the box or on its edge.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Expand grows the box by meters on every side.
func (b BBox) Expand(meters float64) BBox {
	dLat := meters / MetersPerDegreeLat
	dLon := math.Max(lonStep(meters, b.MinLat), lonStep(meters, b.MaxLat))
	return BBox{
		MinLat: math.Max(-90, b.MinLat-dLat),
		MinLon: math.Max(-180, b.MinLon-dLon),
		MaxLat: math.Min(90, b.MaxLat+dLat),
		MaxLon: math.Min(180, b.MaxLon+dLon),
	}
}

// Bounds returns the box as geom bounds with X as longitude.
func (b BBox) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: b.MinLon, Y: b.MinLat},
		Max: geom.Point{X: b.MaxLon, Y: b.MaxLat},
	}
}

// Overlaps reports whether the two boxes share any point.
func (b BBox) Overlaps(o BBox) bool {
	return b.Bounds().Overlaps(o.Bounds())
}

// around returns the box enclosing a circle of radius meters.
func around(lat, lon, meters float64) BBox {
	dLat := meters / MetersPerDegreeLat
	dLon := lonStep(meters, math.Min(89.9, math.Abs(lat)+dLat))
	return BBox{MinLat: lat - dLat, MinLon: lon - dLon, MaxLat: lat + dLat, MaxLon: lon + dLon}
}

// ParseBBox reads "minLat,minLon,maxLat,maxLon".
func ParseBBox(s string) (BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("bbox %q: want minLat,minLon,maxLat,maxLon", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	b := BBox{MinLat: v[0], MinLon: v[1], MaxLat: v[2], MaxLon: v[3]}
	return b, b.Validate()
}
