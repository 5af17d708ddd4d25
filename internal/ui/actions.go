package ui

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/delivery"
)

// RunPipeline handles the UI for running every stage on one label file.
func RunPipeline(ctx context.Context, p *delivery.Pipeline) {
	PrintWarning(fmt.Sprintf("Label files are read from %s.\nThe run downloads imagery for every tile and may take hours.", p.Layout.LabelsDir()))
	labelsPath, err := SelectLabels(p.Layout)
	if err != nil {
		PrintError(err.Error())
		return
	}
	result, err := p.Run(ctx, labelsPath)
	if err != nil {
		PrintError(fmt.Sprintf("pipeline failed: %s", err.Error()))
		return
	}
	PrintSuccess("Pipeline completed successfully!\n" + delivery.FormatReport(result.RunID, result.Report))
	fmt.Printf("Results located at: %s\n", p.Layout.ResultDir(result.RunID))
}

// PrepareAOI handles the UI for splitting a label file into tiles.
func PrepareAOI(ctx context.Context, p *delivery.Pipeline) {
	labelsPath, err := SelectLabels(p.Layout)
	if err != nil {
		PrintError(err.Error())
		return
	}
	res, err := p.PrepareAOI(ctx, labelsPath)
	if err != nil {
		PrintError(fmt.Sprintf("error preparing the area of interest: %s", err.Error()))
		return
	}
	PrintSuccess(fmt.Sprintf("%d fields split into %d tiles.\nTiles located at: %s", len(res.Labels.Fields), len(res.Tiles), res.TilesPath))
}

// DownloadPatches handles the UI for acquiring the imagery of every tile.
func DownloadPatches(ctx context.Context, p *delivery.Pipeline) {
	PrintWarning("Images already downloaded are reused. Dates known to have no image are skipped.")
	labelsPath, err := SelectLabels(p.Layout)
	if err != nil {
		PrintError(err.Error())
		return
	}
	res, err := p.PrepareAOI(ctx, labelsPath)
	if err != nil {
		PrintError(fmt.Sprintf("error preparing the area of interest: %s", err.Error()))
		return
	}
	dirs, err := p.AcquirePatches(ctx, res)
	if err != nil {
		PrintError(fmt.Sprintf("error downloading patches: %s", err.Error()))
		notifyError(p, "Error downloading patches", err)
		return
	}
	PrintSuccess(fmt.Sprintf("%d of %d patches created at %s", len(dirs), len(res.Tiles), p.Layout.PatchDir()))
}

// CreateDataset handles the UI for materializing the saved patches.
func CreateDataset(ctx context.Context, p *delivery.Pipeline) {
	PrintWarning(fmt.Sprintf("Every patch in %s is used.\nThe dataset will be created at %s", p.Layout.PatchDir(), p.Layout.DatasetDir(p.Config.Dataset.Name)))
	summary, err := p.MaterializeDataset(ctx, nil)
	if err != nil {
		PrintError(fmt.Sprintf("error creating dataset: %s", err.Error()))
		notifyError(p, "Error creating dataset", err)
		return
	}
	text := delivery.FormatDatasetSummary(summary)
	PrintSuccess("Dataset created successfully!\n" + text)
	notifySuccess(p, "Dataset created successfully!", text)
}

// TrainModel handles the UI for training on the configured dataset.
func TrainModel(ctx context.Context, p *delivery.Pipeline) {
	summary, err := dataset.LoadSummary(p.Layout.DatasetDir(p.Config.Dataset.Name))
	if err != nil {
		PrintError(err.Error())
		return
	}
	PrintWarning(fmt.Sprintf("Training %s for %d epochs. The trainer may take up to %s.", p.Config.Training.Architecture, p.Config.Training.Epochs, p.Config.Training.Timeout))
	runID, result, err := p.TrainModel(ctx, summary)
	if err != nil {
		PrintError(fmt.Sprintf("error training model: %s", err.Error()))
		notifyError(p, "Error training model", err)
		return
	}
	for _, m := range result.History {
		fmt.Printf("epoch %3d  loss %.4f  iou %.4f  val_loss %.4f  val_iou %.4f\n", m.Epoch, m.Loss, m.IoU, m.ValLoss, m.ValIoU)
	}
	PrintSuccess(fmt.Sprintf("Run %s trained successfully!\nCheckpoint: %s", runID, result.Checkpoint))
	notifySuccess(p, "Model trained successfully!", fmt.Sprintf("Run: %s\nCheckpoint: %s", runID, result.Checkpoint))
}

// EvaluateRun handles the UI for evaluating a completed run.
func EvaluateRun(ctx context.Context, p *delivery.Pipeline) {
	runID, err := SelectRun(ctx, p.Runs)
	if err != nil {
		PrintError(err.Error())
		return
	}
	report, err := p.EvaluateModel(ctx, runID)
	if err != nil {
		PrintError(fmt.Sprintf("error evaluating run: %s", err.Error()))
		notifyError(p, "Error evaluating run", err)
		return
	}
	run, err := p.Runs.GetRun(ctx, runID)
	if err != nil {
		PrintError(err.Error())
		return
	}
	reportPath := filepath.Join(p.Layout.ResultDir(runID), "report.md")
	if err := WriteRunReport(reportPath, run, report); err != nil {
		PrintError(err.Error())
	}

	text := delivery.FormatReport(runID, report)
	PrintSuccess("Successful evaluation!\n" + text)
	fmt.Printf("Results located at: %s\n", p.Layout.ResultDir(runID))
	notifySuccess(p, "Successful evaluation!", text)
}

// ListRuns handles the UI for viewing the registered runs.
func ListRuns(ctx context.Context, p *delivery.Pipeline) {
	runs, err := p.Runs.ListRuns(ctx)
	if err != nil {
		PrintError(err.Error())
		return
	}
	if len(runs) == 0 {
		PrintWarning("No training run registered yet.")
		return
	}
	successColor.Println("\nTraining runs:")
	for _, run := range runs {
		successColor.Printf("- %s  %s  %-9s  mean IoU %s  %s\n",
			run.ID, run.CreatedAt.Format("2006-01-02 15:04"), run.Status, formatPercent(run.MeanIoU), run.Dataset)
	}
}

// ListLabels handles the UI for viewing the available label files.
func ListLabels(_ context.Context, p *delivery.Pipeline) {
	files, err := LabelFiles(p.Layout.LabelsDir())
	if err != nil {
		PrintError(err.Error())
		return
	}
	PrintWarning(fmt.Sprintf("To add a label file, copy a zipped shapefile or a GeoJSON to %s.", p.Layout.LabelsDir()))
	successColor.Println("\nAvailable label files:")
	for _, name := range files {
		successColor.Printf("- %s\n", name)
	}
}
