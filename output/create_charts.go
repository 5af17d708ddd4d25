package output

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// CreateIoUChart draws one bar per class. Classes without an IoU are drawn
// as zero-height bars so the axis keeps every class.
func CreateIoUChart(report *evaluation.Report, outputPath string) error {
	if len(report.PerClass) == 0 {
		return fmt.Errorf("report has no class")
	}
	values := make(plotter.Values, len(report.PerClass))
	names := make([]string, len(report.PerClass))
	for i, s := range report.PerClass {
		if !math.IsNaN(s.IoU) {
			values[i] = s.IoU
		}
		names[i] = s.Name
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("IoU per class (mean %.3f)", report.MeanIoU)
	p.Y.Label.Text = "IoU"
	p.Y.Min = 0
	p.Y.Max = 1

	bars, err := plotter.NewBarChart(values, vg.Points(20))
	if err != nil {
		return err
	}
	bars.Color = color.RGBA{R: 0, G: 130, B: 200, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(names...)

	return savePlot(p, 10*vg.Inch, 5*vg.Inch, outputPath)
}

// CreateHistoryChart draws loss and IoU per epoch, with the validation
// curves when the trainer reported them.
func CreateHistoryChart(history []ml.EpochMetrics, outputPath string) error {
	if len(history) == 0 {
		return fmt.Errorf("empty training history")
	}
	series := []struct {
		name  string
		value func(ml.EpochMetrics) float64
		color color.RGBA
	}{
		{"loss", func(e ml.EpochMetrics) float64 { return e.Loss }, color.RGBA{R: 230, G: 25, B: 75, A: 255}},
		{"val_loss", func(e ml.EpochMetrics) float64 { return e.ValLoss }, color.RGBA{R: 245, G: 130, B: 48, A: 255}},
		{"iou", func(e ml.EpochMetrics) float64 { return e.IoU }, color.RGBA{R: 0, G: 130, B: 200, A: 255}},
		{"val_iou", func(e ml.EpochMetrics) float64 { return e.ValIoU }, color.RGBA{R: 70, G: 240, B: 240, A: 255}},
	}

	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "Epoch"
	for _, s := range series {
		pts := make(plotter.XYs, 0, len(history))
		for _, e := range history {
			pts = append(pts, plotter.XY{X: float64(e.Epoch), Y: s.value(e)})
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		points.Color = s.color
		p.Add(line, points)
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return savePlot(p, 10*vg.Inch, 5*vg.Inch, outputPath)
}

func savePlot(p *plot.Plot, w, h vg.Length, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}
	if err := p.Save(w, h, outputPath); err != nil {
		return fmt.Errorf("save plot %s: %w", outputPath, err)
	}
	return nil
}
