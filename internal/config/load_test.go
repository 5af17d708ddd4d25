package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest-guardian/cropmap/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000.0, cfg.AOI.TileSizeM)
	assert.Equal(t, "crop_id", cfg.AOI.LabelField)
	assert.Equal(t, time.Date(2017, 4, 1, 0, 0, 0, 0, time.UTC), cfg.Imagery.StartDate.Time)
	assert.Equal(t, 5*time.Second, cfg.Imagery.RetryWait)
	assert.Equal(t, config.DefaultFeatures, cfg.Dataset.Features)
	assert.Equal(t, 1e-4, cfg.Training.LearningRate)
	assert.Equal(t, []string{"accuracy", "iou"}, cfg.Training.Metrics)
	assert.Equal(t, 4*time.Hour, cfg.Training.Timeout)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
aoi:
  tile_size_m: 2500
imagery:
  start_date: "2018-01-01"
  end_date: "2018-06-30"
dataset:
  features: [B04, B08, NDVI]
training:
  epochs: 3
  loss: cross_entropy
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2500.0, cfg.AOI.TileSizeM)
	assert.Equal(t, "2018-06-30", cfg.Imagery.EndDate.String())
	assert.Equal(t, []string{"B04", "B08", "NDVI"}, cfg.Dataset.Features)
	assert.Equal(t, 3, cfg.Training.Epochs)
	assert.Equal(t, "cross_entropy", cfg.Training.Loss)
	assert.Equal(t, 64, cfg.Dataset.ChipSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "training:\n  learning_rate: 0.01\n")
	t.Setenv("CROPMAP_TRAINING_LEARNING_RATE", "0.005")
	t.Setenv("CROPMAP_DATASET_FEATURES", "B02, NDWI")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.005, cfg.Training.LearningRate)
	assert.Equal(t, []string{"B02", "NDWI"}, cfg.Dataset.Features)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := writeConfig(t, `
imagery:
  start_date: "2018-06-30"
  end_date: "2018-01-01"
  min_valid_coverage: 1.5
dataset:
  features: [B02, EVI, CLP]
training:
  loss: hinge
  n_classes: 1
`)

	_, err := config.Load(path)
	require.Error(t, err)
	for _, want := range []string{
		"end_date",
		"min_valid_coverage",
		`unknown feature "EVI"`,
		`unknown feature "CLP"`,
		"training.loss",
		"training.n_classes",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTrainingConfig_ClassWeights(t *testing.T) {
	tc := config.TrainingConfig{
		Architecture:       "tfcn",
		LearningRate:       0.001,
		NClasses:           3,
		Loss:               "cross_entropy",
		Epochs:             1,
		IterationsPerEpoch: 1,
		BatchSize:          1,
		KeepProb:           1,
		Timeout:            time.Minute,
		ClassWeights:       []float64{1, 2},
	}
	require.ErrorContains(t, tc.Validate(), "class_weights")

	tc.ClassWeights = append(tc.ClassWeights, 3)
	require.NoError(t, tc.Validate())
}
