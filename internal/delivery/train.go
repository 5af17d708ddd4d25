package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/registry"
	"github.com/forest-guardian/cropmap/output"
)

type Trainer interface {
	Train(ctx context.Context, req ml.TrainRequest) (*ml.TrainResult, error)
	Predict(ctx context.Context, checkpoint string, chips []dataset.Chip) ([]ml.Prediction, error)
}

// RunStore is the part of the registry the stages write to.
type RunStore interface {
	CreateRun(ctx context.Context, dataset string, h ml.Hyperparameters) (string, error)
	CompleteRun(ctx context.Context, id, checkpoint string, history []ml.EpochMetrics) error
	FailRun(ctx context.Context, id string, cause error) error
	SaveEvaluation(ctx context.Context, id string, report *evaluation.Report) error
	GetRun(ctx context.Context, id string) (*registry.Run, error)
	ListRuns(ctx context.Context) ([]registry.Run, error)
	LatestCompleted(ctx context.Context) (*registry.Run, error)
}

// TrainModel registers a run, sends the dataset to the trainer and records
// the outcome. The training history chart is written to the run's result
// directory.
func TrainModel(ctx context.Context, cfg *config.Config, trainer Trainer, runs RunStore, summary *dataset.Summary, layout Layout) (string, *ml.TrainResult, error) {
	logger := logging.FromContext(ctx)
	h := ml.HyperparametersFromConfig(cfg.Training)
	if err := h.Validate(); err != nil {
		return "", nil, err
	}
	if summary.Counts[dataset.SplitTrain] == 0 {
		return "", nil, fmt.Errorf("dataset %s has no training chip", summary.Dir)
	}

	runID, err := runs.CreateRun(ctx, summary.Dir, h)
	if err != nil {
		return "", nil, err
	}
	logger = logger.With(slog.String("run", runID))

	req := ml.TrainRequest{
		Hyperparameters: h,
		TrainPath:       summary.RecordPath(dataset.SplitTrain),
		ModelDir:        layout.ModelDir(runID),
		Features:        summary.Features,
		ChipSize:        summary.ChipSize,
		TimeSteps:       summary.TimeSteps,
	}
	if summary.Counts[dataset.SplitValidation] > 0 {
		req.ValidationPath = summary.RecordPath(dataset.SplitValidation)
	}

	start := time.Now()
	result, err := trainer.Train(ctx, req)
	if err != nil {
		// the run must not stay in training state when the context is gone
		if ferr := runs.FailRun(context.WithoutCancel(ctx), runID, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return runID, nil, err
	}
	if err := runs.CompleteRun(ctx, runID, result.Checkpoint, result.History); err != nil {
		return runID, nil, err
	}
	logger.Info("training completed",
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("epochs", len(result.History)),
		slog.String("checkpoint", result.Checkpoint))

	if len(result.History) > 0 {
		chart := filepath.Join(layout.ResultDir(runID), "history.png")
		if err := output.CreateHistoryChart(result.History, chart); err != nil {
			logger.Warn("failed to write history chart", slog.Any("error", err))
		}
	}
	return runID, result, nil
}
