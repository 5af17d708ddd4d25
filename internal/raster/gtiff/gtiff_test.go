package gtiff

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGrid() raster.Grid {
	bound := orb.Bound{Min: orb.Point{18.0, -33.1}, Max: orb.Point{18.03, -33.08}}
	return raster.Grid{
		Width:        3,
		Height:       2,
		GeoTransform: raster.GeoTransformFor(bound, 3, 2),
		Layers: [][]float32{
			{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
			{1, 1, 0, 1, 0, 1},
		},
		Names: []string{"B04", "dataMask"},
	}
}

func TestWriteReadGeoTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "grid.tif")
	grid := testGrid()

	require.NoError(t, WriteGeoTIFF(path, grid))
	got, err := ReadGeoTIFF(path)
	require.NoError(t, err)

	assert.Equal(t, grid.Width, got.Width)
	assert.Equal(t, grid.Height, got.Height)
	assert.Equal(t, grid.Names, got.Names)
	assert.Equal(t, grid.Layers, got.Layers)
	for i := range grid.GeoTransform {
		assert.InDelta(t, grid.GeoTransform[i], got.GeoTransform[i], 1e-12)
	}
}

func TestDecodeGeoTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scene.tif")
	require.NoError(t, WriteGeoTIFF(path, testGrid()))
	date := time.Date(2017, 5, 6, 0, 0, 0, 0, time.UTC)

	scene, err := Codec{}.Decode(path, date, []string{"B04", "dataMask"})
	require.NoError(t, err)
	assert.Equal(t, date, scene.Date)
	assert.Equal(t, []float32{1, 1, 0, 1, 0, 1}, scene.Bands["dataMask"])

	_, err = DecodeGeoTIFF(path, date, []string{"B04"})
	require.ErrorContains(t, err, "expected 1")
}

func TestWriteGeoTIFF_InvalidGrid(t *testing.T) {
	grid := testGrid()
	grid.Layers[1] = grid.Layers[1][:2]
	require.Error(t, WriteGeoTIFF(filepath.Join(t.TempDir(), "bad.tif"), grid))
}

func TestReadGeoTIFF_Missing(t *testing.T) {
	_, err := ReadGeoTIFF(filepath.Join(t.TempDir(), "missing.tif"))
	require.Error(t, err)
}
