package patch

import (
	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// RasterizeLabels burns field classes into the patch grid. A pixel takes
// the class of the first field containing its centre. Pixels outside every
// field, or inside a class 0 field, are unlabelled.
func (p *Patch) RasterizeLabels(fields []aoi.Field) {
	p.Labels = make([]int32, p.Pixels())
	p.LabelMask = make([]bool, p.Pixels())

	bounds := make([]orb.Bound, len(fields))
	for i, f := range fields {
		bounds[i] = f.Polygon.Bound()
	}

	for y := range p.Height {
		for x := range p.Width {
			lon, lat := raster.PixelToLonLat(p.GeoTransform, x, y)
			point := orb.Point{lon, lat}
			for i, f := range fields {
				if !bounds[i].Contains(point) || !planar.PolygonContains(f.Polygon, point) {
					continue
				}
				if f.ClassID > 0 {
					idx := y*p.Width + x
					p.Labels[idx] = int32(f.ClassID)
					p.LabelMask[idx] = true
				}
				break
			}
		}
	}
}

// ClassHistogram counts labelled pixels per class.
func (p *Patch) ClassHistogram() map[int32]int {
	counts := make(map[int32]int)
	for i, label := range p.Labels {
		if p.LabelMask[i] {
			counts[label]++
		}
	}
	return counts
}
