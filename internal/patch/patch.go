// Package patch holds the per-tile time series used to build training chips:
// one raster per feature and timestamp, a per-timestamp validity mask and
// the rasterized crop labels.
package patch

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
)

var (
	ErrEmptyPatch    = errors.New("no timestamp left in patch")
	ErrShapeMismatch = errors.New("scene size does not match patch")
)

// Mask layers delivered with every scene. They drive the validity mask and
// are not features.
const (
	LayerCLP      = "CLP"
	LayerCLM      = "CLM"
	LayerDataMask = "dataMask"
)

type Patch struct {
	TileID       string
	Bound        orb.Bound
	Width        int
	Height       int
	GeoTransform [6]float64
	Timestamps   []time.Time
	// Data maps a feature name to one row-major raster per timestamp.
	Data map[string][][]float32
	// Mask holds one validity raster per timestamp.
	Mask      [][]bool
	Labels    []int32
	LabelMask []bool
}

func New(tile aoi.Tile, width, height int, gt [6]float64) *Patch {
	return &Patch{
		TileID:       tile.ID,
		Bound:        tile.Bound,
		Width:        width,
		Height:       height,
		GeoTransform: gt,
		Data:         make(map[string][][]float32),
	}
}

func (p *Patch) Pixels() int {
	return p.Width * p.Height
}

// Features returns the feature names, sorted.
func (p *Patch) Features() []string {
	names := make([]string, 0, len(p.Data))
	for name := range p.Data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddScene inserts scene at its date. A scene for a date already in the
// patch replaces it. The validity mask of the new timestamp is derived
// from its dataMask and CLM layers.
func (p *Patch) AddScene(scene raster.Scene) error {
	if scene.Width != p.Width || scene.Height != p.Height {
		return fmt.Errorf("%w: scene %dx%d, patch %dx%d", ErrShapeMismatch, scene.Width, scene.Height, p.Width, p.Height)
	}
	for name, band := range scene.Bands {
		if len(band) != p.Pixels() {
			return fmt.Errorf("%w: band %s has %d values", ErrShapeMismatch, name, len(band))
		}
	}

	idx := sort.Search(len(p.Timestamps), func(i int) bool {
		return !p.Timestamps[i].Before(scene.Date)
	})
	replace := idx < len(p.Timestamps) && p.Timestamps[idx].Equal(scene.Date)

	if !replace {
		p.Timestamps = insertAt(p.Timestamps, idx, scene.Date)
		p.Mask = insertAt(p.Mask, idx, nil)
		for name, series := range p.Data {
			p.Data[name] = insertAt(series, idx, make([]float32, p.Pixels()))
		}
	}

	for name, band := range scene.Bands {
		series, ok := p.Data[name]
		if !ok {
			series = make([][]float32, len(p.Timestamps))
			for t := range series {
				series[t] = make([]float32, p.Pixels())
			}
			p.Data[name] = series
		}
		values := make([]float32, len(band))
		copy(values, band)
		series[idx] = values
	}
	p.Mask[idx] = p.sceneMask(idx)
	return nil
}

func insertAt[T any](s []T, idx int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func (p *Patch) sceneMask(t int) []bool {
	mask := make([]bool, p.Pixels())
	dataMask := p.layer(LayerDataMask, t)
	clouds := p.layer(LayerCLM, t)
	for i := range mask {
		valid := true
		if dataMask != nil && dataMask[i] != 1 {
			valid = false
		}
		if clouds != nil && clouds[i] != 0 {
			valid = false
		}
		mask[i] = valid
	}
	return mask
}

func (p *Patch) layer(name string, t int) []float32 {
	series, ok := p.Data[name]
	if !ok || t >= len(series) {
		return nil
	}
	return series[t]
}

// Coverage returns the valid fraction of timestamp t.
func (p *Patch) Coverage(t int) float64 {
	if t < 0 || t >= len(p.Mask) || p.Pixels() == 0 {
		return 0
	}
	valid := 0
	for _, v := range p.Mask[t] {
		if v {
			valid++
		}
	}
	return float64(valid) / float64(p.Pixels())
}

// FilterCoverage drops the timestamps whose coverage is below minCoverage
// and returns how many were dropped.
func (p *Patch) FilterCoverage(minCoverage float64) (int, error) {
	keep := make([]int, 0, len(p.Timestamps))
	for t := range p.Timestamps {
		if p.Coverage(t) >= minCoverage {
			keep = append(keep, t)
		}
	}
	dropped := len(p.Timestamps) - len(keep)

	p.Timestamps = pick(p.Timestamps, keep)
	p.Mask = pick(p.Mask, keep)
	for name, series := range p.Data {
		p.Data[name] = pick(series, keep)
	}

	if len(p.Timestamps) == 0 {
		return dropped, fmt.Errorf("tile %s: %w (coverage below %.2f)", p.TileID, ErrEmptyPatch, minCoverage)
	}
	return dropped, nil
}

func pick[T any](s []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = s[j]
	}
	return out
}

// Stack returns the requested features as a [T, H, W, F] array.
func (p *Patch) Stack(features []string) ([]float32, [4]int, error) {
	shape := [4]int{len(p.Timestamps), p.Height, p.Width, len(features)}
	for _, f := range features {
		if _, ok := p.Data[f]; !ok {
			return nil, shape, fmt.Errorf("tile %s has no feature %s", p.TileID, f)
		}
	}

	out := make([]float32, shape[0]*shape[1]*shape[2]*shape[3])
	nf := len(features)
	for t := range p.Timestamps {
		base := t * p.Pixels() * nf
		for fi, f := range features {
			plane := p.Data[f][t]
			for i, v := range plane {
				out[base+i*nf+fi] = v
			}
		}
	}
	return out, shape, nil
}

// LabelledFraction is the share of pixels carrying a crop label.
func (p *Patch) LabelledFraction() float64 {
	if len(p.LabelMask) == 0 {
		return 0
	}
	n := 0
	for _, v := range p.LabelMask {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(p.LabelMask))
}
