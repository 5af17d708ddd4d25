package ui

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"train.zip", "test.GeoJSON", "fields.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "old.zip"), 0755))

	files, err := LabelFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"fields.json", "test.GeoJSON", "train.zip"}, files)

	_, err = LabelFiles(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestAssessment(t *testing.T) {
	assert.True(t, strings.HasPrefix(assessment(0.85), "Excellent"))
	assert.True(t, strings.HasPrefix(assessment(0.5), "Moderate"))
	assert.True(t, strings.HasPrefix(assessment(0.1), "Poor"))
	assert.True(t, strings.HasPrefix(assessment(math.NaN()), "Not Assessed"))
}

func TestWriteRunReport(t *testing.T) {
	cm := evaluation.NewConfusionMatrix(3)
	cm.Add(1, 1)
	cm.Add(2, 1)
	report := evaluation.NewReport(cm)
	run := &registry.Run{
		ID:              "run-1",
		CreatedAt:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:      time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC),
		Dataset:         "/data/dataset/demo",
		Checkpoint:      "/data/model/run-1/centroids.json",
		Status:          registry.StatusCompleted,
		Hyperparameters: ml.Hyperparameters{Architecture: "tfcn", Epochs: 2, NLayers: 3, FeaturesRoot: 16},
		History:         []ml.EpochMetrics{{Epoch: 1, Loss: 0.5, IoU: 0.4}, {Epoch: 2, Loss: 0.25, IoU: 0.6}},
	}

	path := filepath.Join(t.TempDir(), "run-1", "report.md")
	require.NoError(t, WriteRunReport(path, run, report))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "- **Run**: run-1")
	assert.Contains(t, text, "- **Training Time**: 1h30m0s")
	assert.Contains(t, text, "- **Pixel Accuracy**: 50.00%")
	assert.Contains(t, text, "| 1 | lucerne/medics | 50.00% | 1 |")
	assert.Contains(t, text, "| 2 | planted pastures | 0.00% | 1 |")
	assert.Contains(t, text, "| 2 | 0.2500 | 0.6000 |")
}
