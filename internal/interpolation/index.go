package interpolation

import (
	"math"
	"sort"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/index/rtree"
)

// indexedPoint is a point stored in the R-tree with its slice position.
type indexedPoint struct {
	geom.Point
	idx int
}

// pointIndex answers radius queries over a fixed set of locations.
type pointIndex struct {
	tree *rtree.Rtree
	lats []float64
	lons []float64
}

func newPointIndex(lats, lons []float64) *pointIndex {
	ix := &pointIndex{tree: rtree.NewTree(25, 50), lats: lats, lons: lons}
	for i := range lats {
		ix.tree.Insert(&indexedPoint{Point: geom.Point{X: lons[i], Y: lats[i]}, idx: i})
	}
	return ix
}

func observationIndex(obs []Observation) *pointIndex {
	lats := make([]float64, len(obs))
	lons := make([]float64, len(obs))
	for i, o := range obs {
		lats[i], lons[i] = o.Lat, o.Lon
	}
	return newPointIndex(lats, lons)
}

// neighbor is a match from within.
type neighbor struct {
	idx      int
	distance float64
}

// within returns the points no farther than radius meters from (lat, lon),
// ordered by index.
func (ix *pointIndex) within(lat, lon, radius float64) []neighbor {
	box := around(lat, lon, radius).Expand(1)
	var out []neighbor
	for _, g := range ix.tree.SearchIntersect(box.Bounds()) {
		p := g.(*indexedPoint)
		d := Haversine(lat, lon, ix.lats[p.idx], ix.lons[p.idx])
		if d <= radius {
			out = append(out, neighbor{idx: p.idx, distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].idx < out[j].idx })
	return out
}

// nearest returns the closest point within maxDist meters.
func (ix *pointIndex) nearest(lat, lon, maxDist float64) (neighbor, bool) {
	best := neighbor{idx: -1, distance: math.Inf(1)}
	for _, n := range ix.within(lat, lon, maxDist) {
		if n.distance < best.distance || (n.distance == best.distance && n.idx < best.idx) {
			best = n
		}
	}
	return best, best.idx >= 0
}
