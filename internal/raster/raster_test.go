package raster

import (
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelRoundTrip(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{18.0, -33.1}, Max: orb.Point{18.1, -33.0}}
	gt := GeoTransformFor(bound, 100, 50)

	lon, lat := PixelToLonLat(gt, 0, 0)
	assert.InDelta(t, 18.0005, lon, 1e-9)
	assert.InDelta(t, -33.001, lat, 1e-9)

	for _, xy := range [][2]int{{0, 0}, {99, 49}, {42, 7}} {
		lon, lat := PixelToLonLat(gt, xy[0], xy[1])
		x, y := LonLatToPixel(gt, lon, lat)
		assert.Equal(t, xy, [2]int{x, y})
	}
}

func TestSceneEmpty(t *testing.T) {
	s := Scene{Date: time.Date(2017, 4, 1, 0, 0, 0, 0, time.UTC), Bands: map[string][]float32{
		"dataMask": {0, 0, 0},
		"B04":      {0, 0.2, 0},
	}}
	assert.True(t, s.Empty("dataMask"))
	assert.False(t, s.Empty("B04"))
	assert.True(t, s.Empty("CLM"))

	_, err := s.Band("CLM")
	require.ErrorContains(t, err, "2017-04-01")
}

func TestGridValidate(t *testing.T) {
	tests := []struct {
		name    string
		grid    Grid
		wantErr bool
	}{
		{"ok", Grid{Width: 2, Height: 1, Layers: [][]float32{{1, 2}}, Names: []string{"a"}}, false},
		{"no layers", Grid{Width: 2, Height: 1}, true},
		{"bad size", Grid{Width: 0, Height: 1, Layers: [][]float32{{}}}, true},
		{"short layer", Grid{Width: 2, Height: 2, Layers: [][]float32{{1, 2}}}, true},
		{"name mismatch", Grid{Width: 1, Height: 1, Layers: [][]float32{{1}}, Names: []string{"a", "b"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.grid.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
