package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/registry"
	"github.com/forest-guardian/cropmap/output"
)

const timelapseFPS = 2

// EvaluateModel predicts the held-out split of the run's dataset, scores the
// predictions and writes the report, charts and per-tile maps under the
// run's result directory. The test split is used, or the validation split
// when the test split is empty.
func EvaluateModel(ctx context.Context, cfg *config.Config, trainer Trainer, runs RunStore, codec patch.GridCodec, runID string, layout Layout) (*evaluation.Report, error) {
	logger := logging.FromContext(ctx).With(slog.String("run", runID))
	run, err := runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != registry.StatusCompleted {
		return nil, fmt.Errorf("run %s is %s, not %s", runID, run.Status, registry.StatusCompleted)
	}
	summary, err := dataset.LoadSummary(run.Dataset)
	if err != nil {
		return nil, err
	}

	split := dataset.SplitTest
	if summary.Counts[split] == 0 {
		split = dataset.SplitValidation
	}
	if summary.Counts[split] == 0 {
		return nil, fmt.Errorf("dataset %s has no held-out chip", summary.Dir)
	}
	chips, err := dataset.ReadChips(summary.RecordPath(split))
	if err != nil {
		return nil, err
	}

	predictions, err := trainer.Predict(ctx, run.Checkpoint, chips)
	if err != nil {
		return nil, err
	}
	report, err := evaluation.Evaluate(chips, predictions, run.Hyperparameters.NClasses)
	if err != nil {
		return nil, err
	}

	resultDir := layout.ResultDir(runID)
	if err := os.MkdirAll(resultDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create result folder: %w", err)
	}
	if err := report.WriteCSV(filepath.Join(resultDir, "evaluation.csv")); err != nil {
		return nil, err
	}
	if err := output.CreateIoUChart(report, filepath.Join(resultDir, "iou.png")); err != nil {
		return nil, err
	}
	if err := output.CreateDashboard(runID, run.History, report, filepath.Join(resultDir, "dashboard.html")); err != nil {
		logger.Warn("failed to write dashboard", slog.Any("error", err))
	}
	for _, tileID := range summary.Tiles[split] {
		if err := writeTileOutputs(predictions, tileID, summary.ChipSize, codec, layout, resultDir); err != nil {
			logger.Warn("failed to write tile outputs", slog.String("tile", tileID), slog.Any("error", err))
		}
	}
	if err := runs.SaveEvaluation(ctx, runID, report); err != nil {
		return nil, err
	}

	logger.Info("evaluation completed",
		slog.String("split", string(split)),
		slog.Int("chips", len(chips)),
		slog.Float64("mean_iou", report.MeanIoU),
		slog.Float64("accuracy", report.Accuracy))
	return report, nil
}

func writeTileOutputs(predictions []ml.Prediction, tileID string, chipSize int, codec patch.GridCodec, layout Layout, resultDir string) error {
	p, err := patch.Load(filepath.Join(layout.PatchDir(), tileID), codec)
	if err != nil {
		return err
	}
	classes := evaluation.Stitch(predictions, tileID, p.Width, p.Height, chipSize)
	if err := output.CreatePredictionImage(classes, p.Width, p.Height, filepath.Join(resultDir, tileID+"_prediction.png")); err != nil {
		return err
	}
	if err := output.CreatePredictionGeoJSON(p, classes, filepath.Join(resultDir, tileID+"_prediction.geojson")); err != nil {
		return err
	}
	return output.CreateTimelapse(p, filepath.Join(resultDir, tileID+"_timelapse.avi"), timelapseFPS)
}

// FormatReport renders an evaluation as plain text for notifications and
// the terminal.
func FormatReport(runID string, report *evaluation.Report) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run %s\n", runID))
	sb.WriteString(fmt.Sprintf("Accuracy: %s\n", formatScore(report.Accuracy)))
	sb.WriteString(fmt.Sprintf("Mean IoU: %s\n", formatScore(report.MeanIoU)))
	sb.WriteString("IoU per class:\n")
	for _, s := range report.PerClass {
		if s.Support == 0 && math.IsNaN(s.IoU) {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %2d %-22s %s (%d px)\n", s.ClassID, s.Name, formatScore(s.IoU), s.Support))
	}
	return sb.String()
}

func formatScore(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}
