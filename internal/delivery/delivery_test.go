package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/notification"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/forest-guardian/cropmap/internal/registry"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const tilePx = 4

// testConfig lays 111 m tiles (0.001 degree) over the test labels and
// resamples three scenes ten days apart.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.AOI.Name = "test"
	cfg.AOI.TileSizeM = 111
	cfg.Imagery.StartDate = config.Date{Time: time.Date(2017, 4, 1, 0, 0, 0, 0, time.UTC)}
	cfg.Imagery.EndDate = config.Date{Time: time.Date(2017, 4, 21, 0, 0, 0, 0, time.UTC)}
	cfg.Imagery.IntervalDays = 10
	cfg.Imagery.MaxConcurrent = 2
	cfg.Dataset.Name = "test"
	cfg.Dataset.ChipSize = 2
	cfg.Dataset.ChipStride = 2
	cfg.Dataset.ResampleDays = 10
	cfg.Dataset.TrainRatio = 60
	cfg.Dataset.ValidationRatio = 20
	cfg.Training.NClasses = 3
	cfg.Training.BatchSize = 4
	return cfg
}

func rect(minX, minY, maxX, maxY float64) orb.Polygon {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}.ToPolygon()
}

// testLabels is a 6 x 1 tile strip: class 1 covers the northern half and
// class 2 the southern half.
func testLabels() *aoi.Labels {
	return &aoi.Labels{Name: "test", Fields: []aoi.Field{
		{ID: "north", ClassID: 1, Polygon: rect(0, 0.0005, 0.006, 0.001)},
		{ID: "south", ClassID: 2, Polygon: rect(0, 0, 0.006, 0.0005)},
	}}
}

func writeLabels(t *testing.T, labels *aoi.Labels) string {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	for _, f := range labels.Fields {
		feature := geojson.NewFeature(f.Polygon)
		feature.Properties["crop_id"] = f.ClassID
		feature.Properties["field_id"] = f.ID
		fc.Append(feature)
	}
	data, err := fc.MarshalJSON()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "labels.geojson")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

// fakeAcquirer returns cloud free scenes whose reflectance depends on the
// row: the two northern rows are dark, the southern rows bright.
type fakeAcquirer struct {
	fail map[string]bool
}

func (f fakeAcquirer) Acquire(_ context.Context, tile aoi.Tile, dates []time.Time) ([]raster.Scene, error) {
	if f.fail[tile.ID] {
		return nil, errors.New("process api unavailable")
	}
	scenes := make([]raster.Scene, 0, len(dates))
	for i, date := range dates {
		bands := map[string][]float32{
			"dataMask": fill(1, 1),
			"CLM":      fill(0, 0),
			"CLP":      fill(0, 0),
		}
		for _, b := range []string{"B02", "B03", "B04", "B08", "B11", "B12"} {
			bands[b] = fill(0.1+0.01*float32(i), 0.5)
		}
		scenes = append(scenes, raster.Scene{
			Date:         date,
			Width:        tilePx,
			Height:       tilePx,
			GeoTransform: raster.GeoTransformFor(tile.Bound, tilePx, tilePx),
			Bands:        bands,
		})
	}
	return scenes, nil
}

func fill(north, south float32) []float32 {
	values := make([]float32, tilePx*tilePx)
	for i := range values {
		if i < tilePx*tilePx/2 {
			values[i] = north
		} else {
			values[i] = south
		}
	}
	return values
}

type memCodec struct {
	mu    sync.Mutex
	grids map[string]raster.Grid
}

func newMemCodec() *memCodec {
	return &memCodec{grids: make(map[string]raster.Grid)}
}

func (m *memCodec) Write(path string, grid raster.Grid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grids[path] = grid
	return nil
}

func (m *memCodec) Read(path string) (raster.Grid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grid, ok := m.grids[path]
	if !ok {
		return raster.Grid{}, os.ErrNotExist
	}
	return grid, nil
}

type recordingNotifier struct {
	mu                     sync.Mutex
	errors, success, warns []string
}

func (r *recordingNotifier) Error(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, message)
	return nil
}

func (r *recordingNotifier) Success(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success = append(r.success, message)
	return nil
}

func (r *recordingNotifier) Warn(message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warns = append(r.warns, message)
	return nil
}

func startBaseline(t *testing.T) *ml.TrainerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	ml.RegisterSegmentationServer(s, ml.NewBaselineServer())
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	client, err := ml.NewTrainerClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	client.BatchSize = 4
	t.Cleanup(func() { client.Close() })
	return client
}

func testPipeline(t *testing.T, acquirer TileAcquirer) (*Pipeline, *recordingNotifier) {
	t.Helper()
	layout := Layout{Root: t.TempDir()}
	reg, err := registry.Open(layout.RegistryPath())
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	notifier := &recordingNotifier{}
	return &Pipeline{
		Config:   testConfig(t),
		Layout:   layout,
		Acquirer: acquirer,
		Codec:    newMemCodec(),
		Trainer:  startBaseline(t),
		Runs:     reg,
		Notifier: notifier,
	}, notifier
}

func TestPrepareAOI(t *testing.T) {
	cfg := testConfig(t)
	layout := Layout{Root: t.TempDir()}

	res, err := PrepareAOI(context.Background(), cfg, writeLabels(t, testLabels()), layout)
	require.NoError(t, err)
	require.Len(t, res.Tiles, 6)
	assert.Equal(t, "r0c0", res.Tiles[0].ID)
	assert.Equal(t, "r0c5", res.Tiles[5].ID)
	assert.Len(t, res.Labels.Fields, 2)
	assert.FileExists(t, filepath.Join(layout.AOIDir(), "test_tiles.geojson"))
	assert.Equal(t, res.TilesPath, filepath.Join(layout.AOIDir(), "test_tiles.geojson"))
}

func TestPrepareAOI_MissingLabels(t *testing.T) {
	_, err := PrepareAOI(context.Background(), testConfig(t), filepath.Join(t.TempDir(), "missing.geojson"), Layout{Root: t.TempDir()})
	assert.Error(t, err)
}

func TestAcquirePatches_PartialFailure(t *testing.T) {
	cfg := testConfig(t)
	layout := Layout{Root: t.TempDir()}
	labels := testLabels()
	tiles := aoi.SplitTiles(labels.Hull(0), cfg.AOI.TileSizeM)
	require.Len(t, tiles, 6)
	notifier := &recordingNotifier{}

	dirs, err := AcquirePatches(context.Background(), cfg, fakeAcquirer{fail: map[string]bool{"r0c1": true}}, newMemCodec(), labels, tiles, layout, notifier)
	require.NoError(t, err)
	require.Len(t, dirs, 5)
	assert.Equal(t, filepath.Join(layout.PatchDir(), "r0c0"), dirs[0])
	assert.NotContains(t, dirs, filepath.Join(layout.PatchDir(), "r0c1"))

	require.Len(t, notifier.warns, 1)
	assert.Contains(t, notifier.warns[0], "1 of 6 tiles failed")
	assert.Contains(t, notifier.warns[0], "tile r0c1: process api unavailable")
}

func TestAcquirePatches_AllFail(t *testing.T) {
	cfg := testConfig(t)
	labels := testLabels()
	tiles := aoi.SplitTiles(labels.Hull(0), cfg.AOI.TileSizeM)
	fail := make(map[string]bool)
	for _, tile := range tiles {
		fail[tile.ID] = true
	}
	notifier := &recordingNotifier{}

	_, err := AcquirePatches(context.Background(), cfg, fakeAcquirer{fail: fail}, newMemCodec(), labels, tiles, Layout{Root: t.TempDir()}, notifier)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 6 tiles failed")
	var tileErr TileError
	assert.True(t, errors.As(err, &tileErr))
	assert.Empty(t, notifier.warns)
}

func TestPipelineRun(t *testing.T) {
	p, notifier := testPipeline(t, fakeAcquirer{fail: map[string]bool{"r0c1": true}})
	ctx := context.Background()

	result, err := p.Run(ctx, writeLabels(t, testLabels()))
	require.NoError(t, err)

	assert.Len(t, result.Patches, 5)
	assert.Equal(t, 3, result.Dataset.TimeSteps)
	assert.Len(t, result.Dataset.Tiles[dataset.SplitTrain], 3)
	require.NotNil(t, result.Train)
	assert.Equal(t, 1.0, result.Train.History[0].Accuracy)

	require.NotNil(t, result.Report)
	assert.Equal(t, 1.0, result.Report.Accuracy)
	assert.Equal(t, 1.0, result.Report.MeanIoU)

	run, err := p.Runs.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusCompleted, run.Status)
	assert.Equal(t, 1.0, run.MeanIoU)
	assert.Len(t, run.Scores, 2)

	resultDir := p.Layout.ResultDir(result.RunID)
	for _, name := range []string{"evaluation.csv", "iou.png", "history.png", "dashboard.html"} {
		assert.FileExists(t, filepath.Join(resultDir, name))
	}
	testTile := result.Dataset.Tiles[dataset.SplitTest][0]
	for _, suffix := range []string{"_prediction.png", "_prediction.geojson", "_timelapse.avi"} {
		assert.FileExists(t, filepath.Join(resultDir, testTile+suffix))
	}

	assert.Len(t, notifier.warns, 1)
	assert.Empty(t, notifier.errors)
	require.Len(t, notifier.success, 1)
	assert.Contains(t, notifier.success[0], "Mean IoU: 100.00%")

	require.Len(t, result.Trace, 5)
	for _, trace := range result.Trace {
		assert.Equal(t, StageDone, trace.Status, trace.Name)
	}
	assert.FileExists(t, p.Layout.WorkflowGraphPath())
}

func TestPipelineRun_NotifiesFailure(t *testing.T) {
	p, notifier := testPipeline(t, nil)
	p.acquirerErr = errors.New("missing credentials")

	_, err := p.Run(context.Background(), writeLabels(t, testLabels()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch acquisition")
	assert.Contains(t, err.Error(), "missing credentials")
	require.Len(t, notifier.errors, 1)
	assert.Contains(t, notifier.errors[0], "missing credentials")
	assert.Empty(t, notifier.success)

	dot, err := os.ReadFile(p.Layout.WorkflowGraphPath())
	require.NoError(t, err)
	assert.Contains(t, string(dot), "patch acquisition")
	assert.Contains(t, string(dot), "fillcolor")
}

func TestPipelineRun_SplitsLongFailureNotification(t *testing.T) {
	var descriptions []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg notification.DiscordMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		for _, e := range msg.Embeds {
			descriptions = append(descriptions, e.Description)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, _ := testPipeline(t, nil)
	p.Notifier = &notification.Discord{ErrorURL: srv.URL}
	p.acquirerErr = errors.New(strings.Repeat("tile r0c1: process api unavailable\n", 300))

	_, err := p.Run(context.Background(), writeLabels(t, testLabels()))
	require.Error(t, err)
	require.Greater(t, len(descriptions), 1)
	for _, d := range descriptions {
		assert.LessOrEqual(t, len(d), notification.MaxDescriptionLen)
	}
	assert.Contains(t, descriptions[0], "Crop map pipeline failed")
}

type failingTrainer struct{}

func (failingTrainer) Train(context.Context, ml.TrainRequest) (*ml.TrainResult, error) {
	return nil, errors.New("trainer crashed")
}

func (failingTrainer) Predict(context.Context, string, []dataset.Chip) ([]ml.Prediction, error) {
	return nil, errors.New("trainer crashed")
}

func TestTrainModel_RecordsFailure(t *testing.T) {
	p, _ := testPipeline(t, fakeAcquirer{})
	ctx := context.Background()
	res, err := p.PrepareAOI(ctx, writeLabels(t, testLabels()))
	require.NoError(t, err)
	dirs, err := p.AcquirePatches(ctx, res)
	require.NoError(t, err)
	summary, err := p.MaterializeDataset(ctx, dirs)
	require.NoError(t, err)

	runID, _, err := TrainModel(ctx, p.Config, failingTrainer{}, p.Runs, summary, p.Layout)
	require.Error(t, err)
	require.NotEmpty(t, runID)

	run, err := p.Runs.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "trainer crashed")

	_, err = p.EvaluateModel(ctx, runID)
	assert.ErrorContains(t, err, "failed")
}

func TestMaterializeDataset_ListsPatches(t *testing.T) {
	p, _ := testPipeline(t, fakeAcquirer{})
	ctx := context.Background()
	res, err := p.PrepareAOI(ctx, writeLabels(t, testLabels()))
	require.NoError(t, err)
	_, err = p.AcquirePatches(ctx, res)
	require.NoError(t, err)

	summary, err := p.MaterializeDataset(ctx, nil)
	require.NoError(t, err)
	total := 0
	for _, tiles := range summary.Tiles {
		total += len(tiles)
	}
	assert.Equal(t, 6, total)
}

func TestFormatReport(t *testing.T) {
	cm := evaluation.NewConfusionMatrix(4)
	cm.Add(1, 1)
	cm.Add(1, 2)
	cm.Add(2, 2)
	text := FormatReport("abc", evaluation.NewReport(cm))

	assert.True(t, strings.HasPrefix(text, "Run abc\n"))
	assert.Contains(t, text, "Accuracy: 66.67%")
	assert.Contains(t, text, "Mean IoU: 50.00%")
	// class 3 is absent from labels and predictions
	assert.Equal(t, 2, strings.Count(text, " px)"))
}

func TestFormatDatasetSummary(t *testing.T) {
	summary := &dataset.Summary{
		Dir:       "/data/dataset/demo",
		Features:  []string{"B04", "NDVI"},
		ChipSize:  64,
		TimeSteps: 12,
		Counts:    map[dataset.SplitName]int{dataset.SplitTrain: 30, dataset.SplitTest: 4},
		Tiles:     map[dataset.SplitName][]string{dataset.SplitTrain: {"r0c0", "r0c1"}, dataset.SplitTest: {"r1c0"}},
		Classes:   map[int32]int{2: 300, 1: 100},
	}
	text := FormatDatasetSummary(summary)

	assert.Contains(t, text, "- train: 30 chips from 2 tiles")
	assert.Contains(t, text, "- validation: 0 chips from 0 tiles")
	assert.Contains(t, text, "(25.0%)")
	assert.Less(t, strings.Index(text, "  - 1 "), strings.Index(text, "  - 2 "))
}
