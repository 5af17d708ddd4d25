package ui

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/registry"
)

func formatPercent(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}

func assessment(meanIoU float64) string {
	switch {
	case math.IsNaN(meanIoU):
		return "Not Assessed: no labelled pixel was evaluated"
	case meanIoU >= 0.8:
		return "Excellent Performance: mean IoU above 80%"
	case meanIoU >= 0.6:
		return "Good Performance: mean IoU between 60% and 80%"
	case meanIoU >= 0.4:
		return "Moderate Performance: mean IoU between 40% and 60%"
	default:
		return "Poor Performance: mean IoU below 40%"
	}
}

// WriteRunReport writes a Markdown summary of a run and its evaluation.
func WriteRunReport(path string, run *registry.Run, report *evaluation.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# Crop Type Segmentation Report\n\n")

	sb.WriteString("## Run Overview\n")
	fmt.Fprintf(&sb, "- **Run**: %s\n", run.ID)
	fmt.Fprintf(&sb, "- **Created**: %s\n", run.CreatedAt.Format("2006-01-02 15:04:05"))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(&sb, "- **Training Time**: %s\n", run.FinishedAt.Sub(run.CreatedAt).Round(time.Second))
	}
	fmt.Fprintf(&sb, "- **Dataset**: %s\n", run.Dataset)
	fmt.Fprintf(&sb, "- **Checkpoint**: %s\n", run.Checkpoint)
	h := run.Hyperparameters
	fmt.Fprintf(&sb, "- **Architecture**: %s (%d layers, %d features root)\n", h.Architecture, h.NLayers, h.FeaturesRoot)
	fmt.Fprintf(&sb, "- **Training**: %d epochs x %d iterations, batch %d, learning rate %g, %s\n\n",
		h.Epochs, h.IterationsPerEpoch, h.BatchSize, h.LearningRate, h.Loss)

	sb.WriteString("## Performance Results\n")
	fmt.Fprintf(&sb, "- **Pixel Accuracy**: %s\n", formatPercent(report.Accuracy))
	fmt.Fprintf(&sb, "- **Mean IoU**: %s\n", formatPercent(report.MeanIoU))
	fmt.Fprintf(&sb, "- **Assessment**: %s\n\n", assessment(report.MeanIoU))

	sb.WriteString("## IoU per Class\n\n")
	sb.WriteString("| Class | Name | IoU | Support |\n|---|---|---|---|\n")
	for _, s := range report.PerClass {
		fmt.Fprintf(&sb, "| %d | %s | %s | %d |\n", s.ClassID, s.Name, formatPercent(s.IoU), s.Support)
	}
	sb.WriteString("\n")

	if len(run.History) > 0 {
		sb.WriteString("## Training History\n\n")
		sb.WriteString("| Epoch | Loss | IoU | Val Loss | Val IoU |\n|---|---|---|---|---|\n")
		for _, m := range run.History {
			fmt.Fprintf(&sb, "| %d | %.4f | %.4f | %.4f | %.4f |\n", m.Epoch, m.Loss, m.IoU, m.ValLoss, m.ValIoU)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "---\n*Generated on %s*\n", time.Now().Format("2006-01-02 15:04:05"))

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
