package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPatch builds a size x size patch with two timestamps and features
// B04 and NDVI. Feature values encode their position: t*1000 + y*10 + x,
// negated for NDVI. Every pixel in the left half is labelled with class.
func testPatch(tileID string, size int, class int32) *patch.Patch {
	p := patch.New(aoi.Tile{ID: tileID}, size, size, [6]float64{0, 1, 0, 0, 0, -1})
	p.Timestamps = []time.Time{
		time.Date(2017, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2017, 4, 16, 0, 0, 0, 0, time.UTC),
	}
	for _, f := range []string{"B04", "NDVI"} {
		series := make([][]float32, 2)
		for t := range series {
			series[t] = make([]float32, size*size)
			for y := range size {
				for x := range size {
					v := float32(t*1000 + y*10 + x)
					if f == "NDVI" {
						v = -v
					}
					series[t][y*size+x] = v
				}
			}
		}
		p.Data[f] = series
	}
	p.Mask = [][]bool{make([]bool, size*size), make([]bool, size*size)}
	p.Labels = make([]int32, size*size)
	p.LabelMask = make([]bool, size*size)
	for y := range size {
		for x := range size / 2 {
			p.Labels[y*size+x] = class
			p.LabelMask[y*size+x] = true
		}
	}
	return p
}

func TestSampleChips(t *testing.T) {
	p := testPatch("r0c0", 4, 3)

	chips, err := SampleChips(p, []string{"B04", "NDVI"}, 2, 2, 0.5)
	require.NoError(t, err)
	// only the two left windows are labelled
	require.Len(t, chips, 2)
	assert.Equal(t, 0, chips[0].Col)
	assert.Equal(t, 2, chips[1].Row)
	assert.Equal(t, [4]int{2, 2, 2, 2}, chips[0].Shape)

	// chip at row 2, col 0: t=1, y=1, x=1 -> pixel (3, 1)
	c := chips[1]
	idx := ((1*2+1)*2 + 1) * 2
	assert.Equal(t, float32(1000+31), c.Features[idx])
	assert.Equal(t, float32(-(1000 + 31)), c.Features[idx+1])
	assert.Equal(t, []int32{3, 3, 3, 3}, c.Labels)

	all, err := SampleChips(p, []string{"B04"}, 2, 1, 0)
	require.NoError(t, err)
	assert.Len(t, all, 9)
}

func TestSampleChips_Errors(t *testing.T) {
	p := testPatch("r0c0", 4, 3)
	_, err := SampleChips(p, []string{"B04"}, 0, 2, 0)
	assert.Error(t, err)
	_, err = SampleChips(p, []string{"B99"}, 2, 2, 0)
	assert.ErrorContains(t, err, "B99")

	p.Labels = nil
	_, err = SampleChips(p, []string{"B04"}, 2, 2, 0)
	assert.ErrorContains(t, err, "labels")
}

func histogram(c Chip) map[int32]int {
	h := make(map[int32]int)
	for i, l := range c.Labels {
		if c.LabelMask[i] {
			h[l]++
		}
	}
	return h
}

func TestFlips(t *testing.T) {
	p := testPatch("r0c0", 4, 5)
	chips, err := SampleChips(p, []string{"B04", "NDVI"}, 4, 4, 0)
	require.NoError(t, err)
	require.Len(t, chips, 1)
	chip := chips[0]

	h := FlipHorizontal(chip)
	assert.Equal(t, AugmentFlipH, h.Augmentation)
	// left half labelled becomes right half labelled
	assert.False(t, h.LabelMask[0])
	assert.True(t, h.LabelMask[3])
	// pixel (0,0) of the flip holds pixel (0,3) of the original
	assert.Equal(t, chip.Features[3*2], h.Features[0])

	v := FlipVertical(chip)
	assert.Equal(t, chip.Features[(3*4)*2], v.Features[0])

	for _, f := range []func(Chip) Chip{FlipHorizontal, FlipVertical} {
		once := f(chip)
		assert.Equal(t, histogram(chip), histogram(once))
		twice := f(once)
		assert.Equal(t, chip.Features, twice.Features)
		assert.Equal(t, chip.Labels, twice.Labels)
		assert.Equal(t, chip.LabelMask, twice.LabelMask)
	}
}

func TestSplit(t *testing.T) {
	var tiles []string
	for i := range 20 {
		tiles = append(tiles, fmt.Sprintf("r%dc0", i))
	}

	a := Split(tiles, 70, 15, 42)
	b := Split(append([]string{tiles[19]}, tiles[:19]...), 70, 15, 42)
	assert.Equal(t, a, b, "order of input does not matter")

	counts := make(map[SplitName]int)
	for _, s := range a {
		counts[s]++
	}
	assert.Equal(t, map[SplitName]int{SplitTrain: 14, SplitValidation: 3, SplitTest: 3}, counts)

	c := Split(tiles, 70, 15, 7)
	assert.Len(t, c, 20)
	assert.NotEqual(t, a, c)
}

func TestSplit_SingleTileGoesToTrain(t *testing.T) {
	assert.Equal(t, map[string]SplitName{"r0c0": SplitTrain}, Split([]string{"r0c0"}, 70, 15, 1))
	assert.Empty(t, Split(nil, 70, 15, 1))
}

func TestExampleRoundTrip(t *testing.T) {
	p := testPatch("r1c2", 4, 8)
	chips, err := SampleChips(p, []string{"B04", "NDVI"}, 2, 2, 0.5)
	require.NoError(t, err)
	chip := FlipVertical(chips[0])

	got, err := FromExample(ToExample(chip))
	require.NoError(t, err)
	if diff := cmp.Diff(chip, got); diff != "" {
		t.Errorf("chip round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromExample_ShapeMismatch(t *testing.T) {
	p := testPatch("r1c2", 4, 8)
	chips, err := SampleChips(p, []string{"B04"}, 2, 2, 0.5)
	require.NoError(t, err)
	ex := ToExample(chips[0])
	ex[keyShape] = ex[keyLabels]

	_, err = FromExample(ex)
	assert.Error(t, err)
}

type memCodec map[string]raster.Grid

func (m memCodec) Write(path string, grid raster.Grid) error {
	m[path] = grid
	return nil
}

func (m memCodec) Read(path string) (raster.Grid, error) {
	grid, ok := m[path]
	if !ok {
		return raster.Grid{}, os.ErrNotExist
	}
	return grid, nil
}

func TestMaterialize(t *testing.T) {
	root := t.TempDir()
	codec := memCodec{}
	var dirs []string
	for i := range 10 {
		p := testPatch(fmt.Sprintf("r0c%d", i), 4, int32(i%3+1))
		dir := filepath.Join(root, "patches", p.TileID)
		require.NoError(t, patch.Save(dir, p, codec))
		dirs = append(dirs, dir)
	}
	outDir := filepath.Join(root, "dataset", "demo")
	opts := Options{
		Features:           []string{"B04", "NDVI"},
		ChipSize:           2,
		ChipStride:         2,
		MinLabeledFraction: 0.5,
		AugmentFlips:       true,
		TrainRatio:         60,
		ValidationRatio:    20,
		Seed:               42,
	}

	summary, err := Materialize(context.Background(), dirs, codec, opts, outDir)
	require.NoError(t, err)

	// 2 chips per tile, 6/2/2 tiles, train chips tripled by flips
	assert.Equal(t, map[SplitName]int{SplitTrain: 36, SplitValidation: 4, SplitTest: 4}, summary.Counts)
	assert.Equal(t, 2, summary.TimeSteps)
	assert.Len(t, summary.Tiles[SplitTrain], 6)
	labelled := 0
	for _, n := range summary.Classes {
		labelled += n
	}
	assert.Equal(t, 10*2*4, labelled)

	for _, split := range Splits {
		chips, err := ReadChips(summary.RecordPath(split))
		require.NoError(t, err)
		assert.Len(t, chips, summary.Counts[split])
		for _, c := range chips {
			assert.Equal(t, split, assignedSplit(summary, c.TileID))
			if split != SplitTrain {
				assert.Equal(t, AugmentNone, c.Augmentation)
			}
		}
	}

	manifest, err := ReadManifest(filepath.Join(outDir, ManifestFile))
	require.NoError(t, err)
	assert.Len(t, manifest, 44)

	loaded, err := LoadSummary(outDir)
	require.NoError(t, err)
	assert.Equal(t, summary.Counts, loaded.Counts)
	assert.Equal(t, summary.Features, loaded.Features)
}

func assignedSplit(s *Summary, tileID string) SplitName {
	for split, tiles := range s.Tiles {
		for _, id := range tiles {
			if id == tileID {
				return split
			}
		}
	}
	return ""
}

func TestMaterialize_Errors(t *testing.T) {
	_, err := Materialize(context.Background(), nil, memCodec{}, Options{}, t.TempDir())
	assert.Error(t, err)

	root := t.TempDir()
	codec := memCodec{}
	p := testPatch("r0c0", 4, 1)
	// one labelled pixel per row leaves every 2x2 window at most half labelled
	for i := range p.LabelMask {
		p.LabelMask[i] = i%4 == 0
	}
	require.NoError(t, patch.Save(filepath.Join(root, "a"), p, codec))
	opts := Options{Features: []string{"B04"}, ChipSize: 2, ChipStride: 2, MinLabeledFraction: 0.9, TrainRatio: 70}

	_, err = Materialize(context.Background(), []string{filepath.Join(root, "a")}, codec, opts, filepath.Join(root, "out"))
	assert.ErrorContains(t, err, "labelled fraction")
}
