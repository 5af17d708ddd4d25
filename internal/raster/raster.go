// Package raster holds the in-memory raster types shared by the imagery,
// patch and output packages. GDAL-backed encoding lives in raster/gtiff.
package raster

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Scene is one decoded acquisition: every band as a row-major float32 plane.
type Scene struct {
	Date         time.Time
	Width        int
	Height       int
	GeoTransform [6]float64
	Bands        map[string][]float32
}

func (s Scene) Band(name string) ([]float32, error) {
	band, ok := s.Bands[name]
	if !ok {
		return nil, fmt.Errorf("scene %s has no band %s", s.Date.Format(time.DateOnly), name)
	}
	return band, nil
}

// Empty reports whether every pixel of the named band is zero. A scene
// whose dataMask is empty holds no acquisition for the requested window.
func (s Scene) Empty(band string) bool {
	values, ok := s.Bands[band]
	if !ok {
		return true
	}
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

// Grid is a multi-layer raster with a name per layer.
type Grid struct {
	Width        int
	Height       int
	GeoTransform [6]float64
	Layers       [][]float32
	Names        []string
}

func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid grid size %dx%d", g.Width, g.Height)
	}
	if len(g.Layers) == 0 {
		return fmt.Errorf("grid has no layers")
	}
	if len(g.Names) != 0 && len(g.Names) != len(g.Layers) {
		return fmt.Errorf("grid has %d layers but %d names", len(g.Layers), len(g.Names))
	}
	for i, layer := range g.Layers {
		if len(layer) != g.Width*g.Height {
			return fmt.Errorf("layer %d has %d values, expected %d", i, len(layer), g.Width*g.Height)
		}
	}
	return nil
}

// Codec reads and writes rasters on disk.
type Codec interface {
	Decode(path string, date time.Time, bandNames []string) (Scene, error)
	Write(path string, grid Grid) error
	Read(path string) (Grid, error)
}

// GeoTransformFor returns the north-up geotransform mapping a w x h image
// onto bound.
func GeoTransformFor(bound orb.Bound, w, h int) [6]float64 {
	return [6]float64{
		bound.Min[0], (bound.Max[0] - bound.Min[0]) / float64(w), 0,
		bound.Max[1], 0, -(bound.Max[1] - bound.Min[1]) / float64(h),
	}
}

// PixelToLonLat returns the coordinates of the centre of pixel (x, y).
func PixelToLonLat(gt [6]float64, x, y int) (float64, float64) {
	px, py := float64(x)+0.5, float64(y)+0.5
	lon := gt[0] + px*gt[1] + py*gt[2]
	lat := gt[3] + px*gt[4] + py*gt[5]
	return lon, lat
}

// LonLatToPixel is the inverse of PixelToLonLat for north-up transforms.
func LonLatToPixel(gt [6]float64, lon, lat float64) (int, int) {
	x := int(math.Floor((lon - gt[0]) / gt[1]))
	y := int(math.Floor((lat - gt[3]) / gt[5]))
	return x, y
}
