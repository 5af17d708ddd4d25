package aoi

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// MetersPerDegree is the flat-earth conversion used for tile and image sizing.
const MetersPerDegree = 111_000.0

type Tile struct {
	ID    string
	Row   int
	Col   int
	Bound orb.Bound
}

func (t Tile) Polygon() orb.Polygon {
	return t.Bound.ToPolygon()
}

// ConvexHull returns the closed counter-clockwise hull of points (monotone
// chain). Collinear points are dropped.
func ConvexHull(points []orb.Point) orb.Ring {
	pts := uniquePoints(points)
	if len(pts) < 3 {
		ring := orb.Ring(pts)
		if len(ring) > 0 {
			ring = append(ring, ring[0])
		}
		return ring
	}

	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})

	hull := make([]orb.Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	// the last point repeats the first one, which closes the ring
	return orb.Ring(hull)
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

func uniquePoints(points []orb.Point) []orb.Point {
	seen := make(map[orb.Point]struct{}, len(points))
	out := make([]orb.Point, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Hull is the convex hull of every field vertex, pushed outwards from its
// centroid by bufferM metres.
func (l *Labels) Hull(bufferM float64) orb.Polygon {
	var points []orb.Point
	for _, f := range l.Fields {
		for _, ring := range f.Polygon {
			points = append(points, ring...)
		}
	}
	ring := ConvexHull(points)
	if bufferM <= 0 || len(ring) < 4 {
		return orb.Polygon{ring}
	}

	centroid, _ := planar.CentroidArea(orb.Polygon{ring})
	offset := bufferM / MetersPerDegree
	buffered := make(orb.Ring, len(ring))
	for i, p := range ring {
		dx, dy := p[0]-centroid[0], p[1]-centroid[1]
		dist := math.Hypot(dx, dy)
		if dist == 0 {
			buffered[i] = p
			continue
		}
		scale := (dist + offset) / dist
		buffered[i] = orb.Point{centroid[0] + dx*scale, centroid[1] + dy*scale}
	}
	return orb.Polygon{buffered}
}

// SplitTiles lays a regular grid of tileSizeM squares over the hull bound
// and keeps the cells that intersect the hull. Rows count from the north.
func SplitTiles(hull orb.Polygon, tileSizeM float64) []Tile {
	if len(hull) == 0 || len(hull[0]) == 0 || tileSizeM <= 0 {
		return nil
	}
	bound := hull.Bound()
	step := tileSizeM / MetersPerDegree

	// the epsilon keeps an exact multiple of step from spilling into one more cell
	cols := int(math.Ceil((bound.Max[0]-bound.Min[0])/step - 1e-9))
	rows := int(math.Ceil((bound.Max[1]-bound.Min[1])/step - 1e-9))
	cols = max(cols, 1)
	rows = max(rows, 1)

	var tiles []Tile
	for row := range rows {
		maxY := bound.Max[1] - float64(row)*step
		for col := range cols {
			minX := bound.Min[0] + float64(col)*step
			cell := orb.Bound{
				Min: orb.Point{minX, maxY - step},
				Max: orb.Point{minX + step, maxY},
			}
			if !intersectsHull(cell, hull) {
				continue
			}
			tiles = append(tiles, Tile{
				ID:    fmt.Sprintf("r%dc%d", row, col),
				Row:   row,
				Col:   col,
				Bound: cell,
			})
		}
	}
	return tiles
}

func intersectsHull(cell orb.Bound, hull orb.Polygon) bool {
	if !cell.Intersects(hull.Bound()) {
		return false
	}
	corners := []orb.Point{
		cell.Min,
		{cell.Max[0], cell.Min[1]},
		cell.Max,
		{cell.Min[0], cell.Max[1]},
	}
	for _, c := range corners {
		if planar.PolygonContains(hull, c) {
			return true
		}
	}
	if planar.PolygonContains(hull, cell.Center()) {
		return true
	}
	ring := hull[0]
	for _, p := range ring {
		if cell.Contains(p) {
			return true
		}
	}
	for i := 0; i+1 < len(ring); i++ {
		for j := range corners {
			if segmentsIntersect(ring[i], ring[i+1], corners[j], corners[(j+1)%len(corners)]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

// FieldsInTile returns the fields whose bound touches the tile.
func FieldsInTile(labels *Labels, tile Tile) []Field {
	var fields []Field
	for _, f := range labels.Fields {
		if f.Polygon.Bound().Intersects(tile.Bound) {
			fields = append(fields, f)
		}
	}
	return fields
}

func WriteTilesGeoJSON(path string, tiles []Tile) error {
	fc := geojson.NewFeatureCollection()
	for _, tile := range tiles {
		feature := geojson.NewFeature(tile.Polygon())
		feature.Properties["tile_id"] = tile.ID
		feature.Properties["row"] = tile.Row
		feature.Properties["col"] = tile.Col
		fc.Append(feature)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode tiles: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write tiles to %s: %w", path, err)
	}
	return nil
}
