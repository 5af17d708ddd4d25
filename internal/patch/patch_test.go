package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2017, 4, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

// newTestPatch builds a 2x1 patch over a 0.02 x 0.01 degree tile.
func newTestPatch() *Patch {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.02, 0.01}}
	return New(aoi.Tile{ID: "r0c0", Bound: bound}, 2, 1, raster.GeoTransformFor(bound, 2, 1))
}

// scene returns a 2x1 scene where every reflectance band holds values,
// fully valid unless overridden.
func scene(date time.Time, values ...float32) raster.Scene {
	bands := map[string][]float32{
		"dataMask": {1, 1},
		"CLM":      {0, 0},
	}
	for _, b := range []string{"B02", "B03", "B04", "B08", "B11", "B12"} {
		bands[b] = append([]float32(nil), values...)
	}
	return raster.Scene{Date: date, Width: 2, Height: 1, Bands: bands}
}

func TestAddScene_SortsAndReplaces(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(10), 3, 3)))
	require.NoError(t, p.AddScene(scene(day(0), 1, 1)))
	require.NoError(t, p.AddScene(scene(day(5), 2, 2)))
	require.NoError(t, p.AddScene(scene(day(5), 9, 9)))

	assert.Equal(t, []time.Time{day(0), day(5), day(10)}, p.Timestamps)
	assert.Equal(t, [][]float32{{1, 1}, {9, 9}, {3, 3}}, p.Data["B04"])
	assert.Len(t, p.Mask, 3)
}

func TestAddScene_ShapeMismatch(t *testing.T) {
	p := newTestPatch()
	s := scene(day(0), 1, 1)
	s.Width = 3
	assert.ErrorIs(t, p.AddScene(s), ErrShapeMismatch)

	s = scene(day(0), 1)
	assert.ErrorIs(t, p.AddScene(s), ErrShapeMismatch)
}

func TestComputeIndices(t *testing.T) {
	p := newTestPatch()
	s := scene(day(0), 0, 0)
	s.Bands["B04"] = []float32{0.1, 0}
	s.Bands["B08"] = []float32{0.3, 0}
	s.Bands["B03"] = []float32{0.2, 0}
	require.NoError(t, p.AddScene(s))

	require.NoError(t, p.ComputeIndices())

	assert.InDelta(t, 0.5, p.Data[FeatureNDVI][0][0], 1e-6)
	assert.InDelta(t, -0.2, p.Data[FeatureNDWI][0][0], 1e-6)
	// zero denominators
	assert.Equal(t, float32(0), p.Data[FeatureNDVI][0][1])
	assert.Equal(t, float32(0), p.Data[FeatureNDWI][0][1])
	assert.Equal(t, float32(0), p.Data[FeatureNORM][0][1])
}

func TestComputeIndices_NDVIBounded(t *testing.T) {
	p := New(aoi.Tile{ID: "t"}, 4, 1, [6]float64{})
	s := raster.Scene{Date: day(0), Width: 4, Height: 1, Bands: map[string][]float32{}}
	for _, b := range []string{"B02", "B03", "B11", "B12"} {
		s.Bands[b] = []float32{0.1, 0.1, 0.1, 0.1}
	}
	s.Bands["B04"] = []float32{0, 1, 0.5, 0.0001}
	s.Bands["B08"] = []float32{1, 0, 0.5, 0.9}
	require.NoError(t, p.AddScene(s))
	require.NoError(t, p.ComputeIndices())

	for _, v := range p.Data[FeatureNDVI][0] {
		assert.GreaterOrEqual(t, v, float32(-1))
		assert.LessOrEqual(t, v, float32(1))
	}
}

func TestComputeIndices_NormAndMissingBand(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(0), 1, 2)))
	require.NoError(t, p.ComputeIndices())
	assert.InDelta(t, 2.449489, p.Data[FeatureNORM][0][0], 1e-5)

	q := newTestPatch()
	s := scene(day(0), 1, 2)
	delete(s.Bands, "B11")
	require.NoError(t, q.AddScene(s))
	assert.ErrorContains(t, q.ComputeIndices(), "B11")
}

func TestValidMask(t *testing.T) {
	p := New(aoi.Tile{ID: "t"}, 4, 1, [6]float64{})
	s := raster.Scene{Date: day(0), Width: 4, Height: 1, Bands: map[string][]float32{
		"dataMask": {1, 0, 1, 1},
		"CLM":      {0, 0, 1, 0},
	}}
	for _, b := range []string{"B02", "B03", "B04", "B08", "B11", "B12"} {
		s.Bands[b] = []float32{0.1, 0.1, 0.1, 0.1}
	}
	require.NoError(t, p.AddScene(s))
	require.NoError(t, p.ComputeIndices())

	assert.Equal(t, []bool{true, false, false, true}, p.Mask[0])
	assert.InDelta(t, 0.5, p.Coverage(0), 1e-9)
}

func TestFilterCoverage(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(0), 1, 1)))
	cloudy := scene(day(5), 1, 1)
	cloudy.Bands["CLM"] = []float32{1, 0}
	require.NoError(t, p.AddScene(cloudy))

	dropped, err := p.FilterCoverage(0.8)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []time.Time{day(0)}, p.Timestamps)
	assert.Len(t, p.Data["B04"], 1)

	_, err = p.FilterCoverage(1.1)
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestInterpolate(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(0), 0, 5)))
	require.NoError(t, p.AddScene(scene(day(10), 10, 5)))
	// invalid observation in the middle is ignored
	noisy := scene(day(5), 100, 5)
	noisy.Bands["CLM"] = []float32{1, 0}
	require.NoError(t, p.AddScene(noisy))

	dates := []time.Time{day(-5), day(0), day(4), day(10), day(20)}
	require.NoError(t, p.Interpolate(dates))

	assert.Equal(t, dates, p.Timestamps)
	got := make([]float32, len(dates))
	for d := range dates {
		got[d] = p.Data["B04"][d][0]
	}
	want := []float32{0, 0, 4, 10, 10}
	for d := range want {
		assert.InDelta(t, want[d], got[d], 1e-4, "date %d", d)
	}
	for d := range dates {
		assert.InDelta(t, 5, p.Data["B04"][d][1], 1e-6)
		assert.Equal(t, []bool{true, true}, p.Mask[d])
	}
	assert.NotContains(t, p.Data, LayerCLM)
	assert.NotContains(t, p.Data, LayerDataMask)
}

// every configurable feature survives resampling of a full response scene
func TestInterpolate_KeepsConfigurableFeatures(t *testing.T) {
	p := newTestPatch()
	for _, d := range []int{0, 10} {
		sc := scene(day(d), 0.2, 0.3)
		for _, b := range []string{"B01", "B05", "B06", "B07", "B8A", "B09"} {
			sc.Bands[b] = []float32{0.1, 0.1}
		}
		sc.Bands[LayerCLP] = []float32{0.05, 0.1}
		require.NoError(t, p.AddScene(sc))
	}
	require.NoError(t, p.ComputeIndices())
	require.NoError(t, p.Interpolate([]time.Time{day(0), day(5), day(10)}))

	_, shape, err := p.Stack(config.KnownFeatures)
	require.NoError(t, err)
	assert.Equal(t, [4]int{3, 1, 2, len(config.KnownFeatures)}, shape)
	assert.NotContains(t, p.Data, LayerCLP)
}

func TestInterpolate_NoValidObservation(t *testing.T) {
	p := newTestPatch()
	s := scene(day(0), 3, 3)
	s.Bands["dataMask"] = []float32{0, 1}
	require.NoError(t, p.AddScene(s))

	require.NoError(t, p.Interpolate([]time.Time{day(0), day(15)}))
	assert.Equal(t, float32(0), p.Data["B04"][1][0])
	assert.False(t, p.Mask[1][0])
	assert.True(t, p.Mask[1][1])
}

func TestInterpolate_Errors(t *testing.T) {
	p := newTestPatch()
	assert.ErrorIs(t, p.Interpolate([]time.Time{day(0)}), ErrEmptyPatch)

	require.NoError(t, p.AddScene(scene(day(0), 1, 1)))
	assert.Error(t, p.Interpolate(nil))
	assert.Error(t, p.Interpolate([]time.Time{day(5), day(0)}))
}

func TestRasterizeLabels(t *testing.T) {
	p := newTestPatch()
	fields := []aoi.Field{
		// covers the left pixel centre (0.005, 0.005)
		{ID: "a", ClassID: 7, Polygon: orb.Polygon{orb.Ring{{0, 0}, {0.01, 0}, {0.01, 0.01}, {0, 0.01}, {0, 0}}}},
		// overlaps "a": the first match wins
		{ID: "b", ClassID: 8, Polygon: orb.Polygon{orb.Ring{{0, 0}, {0.02, 0}, {0.02, 0.01}, {0, 0.01}, {0, 0}}}},
	}
	p.RasterizeLabels(fields)
	assert.Equal(t, []int32{7, 8}, p.Labels)
	assert.Equal(t, []bool{true, true}, p.LabelMask)
	assert.Equal(t, map[int32]int{7: 1, 8: 1}, p.ClassHistogram())
	assert.InDelta(t, 1.0, p.LabelledFraction(), 1e-9)

	p.RasterizeLabels(fields[:1])
	assert.Equal(t, []int32{7, 0}, p.Labels)
	assert.Equal(t, []bool{true, false}, p.LabelMask)
}

func TestStack(t *testing.T) {
	p := newTestPatch()
	s := scene(day(0), 1, 2)
	s.Bands["B08"] = []float32{10, 20}
	require.NoError(t, p.AddScene(s))
	s = scene(day(5), 3, 4)
	s.Bands["B08"] = []float32{30, 40}
	require.NoError(t, p.AddScene(s))

	values, shape, err := p.Stack([]string{"B04", "B08"})
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 1, 2, 2}, shape)
	// [t][y][x][f]
	assert.Equal(t, []float32{1, 10, 2, 20, 3, 30, 4, 40}, values)

	_, _, err = p.Stack([]string{"NDVI"})
	assert.ErrorContains(t, err, "NDVI")
}

// memCodec keeps grids in memory, keyed by path.
type memCodec map[string]raster.Grid

func (m memCodec) Write(path string, grid raster.Grid) error {
	if err := grid.Validate(); err != nil {
		return err
	}
	m[path] = grid
	return os.WriteFile(path, nil, 0o644)
}

func (m memCodec) Read(path string) (raster.Grid, error) {
	grid, ok := m[path]
	if !ok {
		return raster.Grid{}, fmt.Errorf("no grid at %s", path)
	}
	return grid, nil
}

func TestSaveLoad(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(0), 1, 2)))
	require.NoError(t, p.AddScene(scene(day(5), 3, 4)))
	require.NoError(t, p.ComputeIndices())
	require.NoError(t, p.Interpolate([]time.Time{day(0), day(5)}))
	p.RasterizeLabels([]aoi.Field{{ID: "a", ClassID: 4, Polygon: orb.Polygon{orb.Ring{{0, 0}, {0.01, 0}, {0.01, 0.01}, {0, 0.01}, {0, 0}}}}})

	root := t.TempDir()
	dir := filepath.Join(root, p.TileID)
	codec := memCodec{}
	require.NoError(t, Save(dir, p, codec))

	got, err := Load(dir, codec)
	require.NoError(t, err)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("patch round trip mismatch (-want +got):\n%s", diff)
	}

	dirs, err := List(root)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, dirs)

	missing, err := List(filepath.Join(root, "missing"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLoad_LayerCountMismatch(t *testing.T) {
	p := newTestPatch()
	require.NoError(t, p.AddScene(scene(day(0), 1, 2)))
	require.NoError(t, p.Interpolate([]time.Time{day(0)}))

	dir := t.TempDir()
	codec := memCodec{}
	require.NoError(t, Save(dir, p, codec))

	path := filepath.Join(dir, featuresFile)
	grid := codec[path]
	grid.Layers = grid.Layers[1:]
	grid.Names = grid.Names[1:]
	codec[path] = grid

	_, err := Load(dir, codec)
	assert.ErrorContains(t, err, "layers")
}
