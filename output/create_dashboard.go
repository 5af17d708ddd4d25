package output

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// echarts skips "-" values; NaN cannot be encoded.
func chartValue(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "-"
	}
	return v
}

func historyChart(runID string, history []ml.EpochMetrics) *charts.Line {
	epochs := make([]string, len(history))
	for i, e := range history {
		epochs[i] = strconv.Itoa(e.Epoch)
	}
	series := func(value func(ml.EpochMetrics) float64) []opts.LineData {
		data := make([]opts.LineData, len(history))
		for i, e := range history {
			data[i] = opts.LineData{Value: chartValue(value(e))}
		}
		return data
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Run " + runID, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Training history", Subtitle: runID}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "5%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Epoch"}),
	)
	line.SetXAxis(epochs).
		AddSeries("loss", series(func(e ml.EpochMetrics) float64 { return e.Loss })).
		AddSeries("val_loss", series(func(e ml.EpochMetrics) float64 { return e.ValLoss })).
		AddSeries("iou", series(func(e ml.EpochMetrics) float64 { return e.IoU })).
		AddSeries("val_iou", series(func(e ml.EpochMetrics) float64 { return e.ValIoU }))
	return line
}

func iouChart(report *evaluation.Report) *charts.Bar {
	names := make([]string, len(report.PerClass))
	values := make([]opts.BarData, len(report.PerClass))
	for i, s := range report.PerClass {
		names[i] = s.Name
		values[i] = opts.BarData{Value: chartValue(s.IoU), Name: fmt.Sprintf("%s (%d px)", s.Name, s.Support)}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "IoU per class",
			Subtitle: fmt.Sprintf("mean IoU %v, accuracy %v", chartValue(report.MeanIoU), chartValue(report.Accuracy)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	bar.SetXAxis(names).AddSeries("iou", values,
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
	)
	return bar
}

// CreateDashboard writes an HTML page with the training history of a run
// and, when report is not nil, its IoU per class.
func CreateDashboard(runID string, history []ml.EpochMetrics, report *evaluation.Report, outputPath string) error {
	if len(history) == 0 && report == nil {
		return fmt.Errorf("run %s has nothing to chart", runID)
	}
	page := components.NewPage()
	page.PageTitle = "CropMap run " + runID
	if len(history) > 0 {
		page.AddCharts(historyChart(runID, history))
	}
	if report != nil && len(report.PerClass) > 0 {
		page.AddCharts(iouChart(report))
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("error creating dashboard: %w", err)
	}
	defer file.Close()
	if err := page.Render(file); err != nil {
		return fmt.Errorf("render dashboard %s: %w", outputPath, err)
	}
	return nil
}
