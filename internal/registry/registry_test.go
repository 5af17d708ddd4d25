package registry

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return r
}

func hyperparameters() ml.Hyperparameters {
	return ml.Hyperparameters{Architecture: "tfcn", LearningRate: 1e-4, NClasses: 4, Loss: "focal_loss", Epochs: 2, Timeout: time.Hour}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	r := openTest(t)

	id, err := r.CreateRun(ctx, "cape-2017", hyperparameters())
	require.NoError(t, err)
	assert.Len(t, id, 36)

	run, err := r.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTraining, run.Status)
	assert.Equal(t, hyperparameters(), run.Hyperparameters)
	assert.True(t, math.IsNaN(run.MeanIoU))
	assert.True(t, run.FinishedAt.IsZero())

	history := []ml.EpochMetrics{
		{Epoch: 1, Loss: 1.5, Accuracy: 0.4, IoU: 0.2, ValLoss: 1.6, ValAccuracy: 0.35, ValIoU: 0.18},
		{Epoch: 2, Loss: 1.1, Accuracy: 0.6, IoU: 0.3, ValLoss: 1.2, ValAccuracy: 0.5, ValIoU: math.NaN()},
	}
	require.NoError(t, r.CompleteRun(ctx, id, "/models/ckpt", history))

	cm := evaluation.NewConfusionMatrix(4)
	cm.Add(1, 1)
	cm.Add(2, 1)
	require.NoError(t, r.SaveEvaluation(ctx, id, evaluation.NewReport(cm)))

	run, err = r.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "/models/ckpt", run.Checkpoint)
	assert.True(t, run.FinishedAt.After(run.CreatedAt))
	require.Len(t, run.History, 2)
	assert.Equal(t, history[0], run.History[0])
	assert.True(t, math.IsNaN(run.History[1].ValIoU))
	require.Len(t, run.Scores, 3)
	assert.Equal(t, 0.5, run.Scores[0].IoU)
	assert.True(t, math.IsNaN(run.Scores[2].IoU), "class 3 never appears")
	assert.Equal(t, 0.5, run.Accuracy)
}

func TestListAndLatest(t *testing.T) {
	ctx := context.Background()
	r := openTest(t)

	_, err := r.LatestCompleted(ctx)
	assert.ErrorIs(t, err, ErrRunNotFound)

	first, err := r.CreateRun(ctx, "a", hyperparameters())
	require.NoError(t, err)
	second, err := r.CreateRun(ctx, "b", hyperparameters())
	require.NoError(t, err)
	third, err := r.CreateRun(ctx, "c", hyperparameters())
	require.NoError(t, err)

	require.NoError(t, r.CompleteRun(ctx, first, "ckpt-1", nil))
	require.NoError(t, r.CompleteRun(ctx, second, "ckpt-2", nil))
	require.NoError(t, r.FailRun(ctx, third, errors.New("trainer unavailable")))

	runs, err := r.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{third, second, first}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.Equal(t, StatusFailed, runs[0].Status)
	assert.Equal(t, "trainer unavailable", runs[0].Error)

	latest, err := r.LatestCompleted(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	r := openTest(t)

	_, err := r.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, r.CompleteRun(ctx, "missing", "ckpt", nil), ErrRunNotFound)
	assert.ErrorIs(t, r.SaveEvaluation(ctx, "missing", &evaluation.Report{}), ErrRunNotFound)
}

func TestOpen_MigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	r, err := Open(path)
	require.NoError(t, err)
	version, err := r.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	id, err := r.CreateRun(ctx, "a", hyperparameters())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// reopening an up to date registry keeps its runs
	r, err = Open(path)
	require.NoError(t, err)
	defer r.Close()
	run, err := r.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", run.Dataset)
}
