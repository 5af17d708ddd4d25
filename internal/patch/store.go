package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
)

const (
	featuresFile = "features.tif"
	metaFile     = "patch.json"
)

// GridCodec persists the patch rasters. gtiff.Codec is the GDAL-backed
// implementation.
type GridCodec interface {
	Write(path string, grid raster.Grid) error
	Read(path string) (raster.Grid, error)
}

type meta struct {
	TileID     string     `json:"tile_id"`
	Bound      [4]float64 `json:"bound"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
	Timestamps []string   `json:"timestamps"`
	Features   []string   `json:"features"`
}

func layerName(feature string, date time.Time) string {
	return feature + "@" + date.Format(time.DateOnly)
}

// Save writes the patch into dir: every feature raster ordered by
// timestamp then feature, one validity layer per timestamp, then labels
// and label mask, all in one GeoTIFF next to a JSON description.
func Save(dir string, p *Patch, codec GridCodec) error {
	features := p.Features()
	grid := raster.Grid{Width: p.Width, Height: p.Height, GeoTransform: p.GeoTransform}

	for t, ts := range p.Timestamps {
		for _, f := range features {
			grid.Layers = append(grid.Layers, p.Data[f][t])
			grid.Names = append(grid.Names, layerName(f, ts))
		}
	}
	for t, ts := range p.Timestamps {
		grid.Layers = append(grid.Layers, boolLayer(p.Mask[t]))
		grid.Names = append(grid.Names, layerName("valid", ts))
	}

	labels := make([]float32, p.Pixels())
	for i, l := range p.Labels {
		labels[i] = float32(l)
	}
	labelMask := p.LabelMask
	if labelMask == nil {
		labelMask = make([]bool, p.Pixels())
	}
	grid.Layers = append(grid.Layers, labels, boolLayer(labelMask))
	grid.Names = append(grid.Names, "labels", "label_mask")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create patch directory %s: %w", dir, err)
	}
	if err := codec.Write(filepath.Join(dir, featuresFile), grid); err != nil {
		return fmt.Errorf("failed to save patch %s: %w", p.TileID, err)
	}

	m := meta{
		TileID:   p.TileID,
		Bound:    [4]float64{p.Bound.Min[0], p.Bound.Min[1], p.Bound.Max[0], p.Bound.Max[1]},
		Width:    p.Width,
		Height:   p.Height,
		Features: features,
	}
	for _, ts := range p.Timestamps {
		m.Timestamps = append(m.Timestamps, ts.Format(time.DateOnly))
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode patch metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write patch metadata: %w", err)
	}
	return nil
}

func boolLayer(values []bool) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		if v {
			out[i] = 1
		}
	}
	return out
}

// Load reads a patch written by Save.
func Load(dir string, codec GridCodec) (*Patch, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read patch metadata in %s: %w", dir, err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse patch metadata in %s: %w", dir, err)
	}

	grid, err := codec.Read(filepath.Join(dir, featuresFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load patch %s: %w", m.TileID, err)
	}
	nt, nf := len(m.Timestamps), len(m.Features)
	if want := nt*nf + nt + 2; len(grid.Layers) != want {
		return nil, fmt.Errorf("patch %s has %d layers, expected %d", m.TileID, len(grid.Layers), want)
	}
	if grid.Width != m.Width || grid.Height != m.Height {
		return nil, fmt.Errorf("%w: patch %s raster %dx%d, metadata %dx%d",
			ErrShapeMismatch, m.TileID, grid.Width, grid.Height, m.Width, m.Height)
	}

	p := &Patch{
		TileID:       m.TileID,
		Bound:        orb.Bound{Min: orb.Point{m.Bound[0], m.Bound[1]}, Max: orb.Point{m.Bound[2], m.Bound[3]}},
		Width:        m.Width,
		Height:       m.Height,
		GeoTransform: grid.GeoTransform,
		Data:         make(map[string][][]float32, nf),
	}
	for _, ts := range m.Timestamps {
		date, err := time.Parse(time.DateOnly, ts)
		if err != nil {
			return nil, fmt.Errorf("patch %s: invalid timestamp %q: %w", m.TileID, ts, err)
		}
		p.Timestamps = append(p.Timestamps, date)
	}

	for _, f := range m.Features {
		p.Data[f] = make([][]float32, nt)
	}
	layer := 0
	for t := range nt {
		for _, f := range m.Features {
			p.Data[f][t] = grid.Layers[layer]
			layer++
		}
	}
	for range nt {
		p.Mask = append(p.Mask, maskLayer(grid.Layers[layer]))
		layer++
	}

	labels := grid.Layers[layer]
	p.Labels = make([]int32, len(labels))
	for i, v := range labels {
		p.Labels[i] = int32(v)
	}
	p.LabelMask = maskLayer(grid.Layers[layer+1])
	return p, nil
}

func maskLayer(values []float32) []bool {
	out := make([]bool, len(values))
	for i, v := range values {
		out[i] = v != 0
	}
	return out
}

// List returns the patch directories under root, sorted.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list patches in %s: %w", root, err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, metaFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
