package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/properties"
)

// MaterializeDataset cuts the saved patches into chips and writes the
// train, validation and test records under the dataset directory. When
// patchDirs is empty every patch under the layout's patch directory is used.
func MaterializeDataset(ctx context.Context, cfg *config.Config, codec patch.GridCodec, patchDirs []string, layout Layout) (*dataset.Summary, error) {
	if len(patchDirs) == 0 {
		dirs, err := patch.List(layout.PatchDir())
		if err != nil {
			return nil, err
		}
		patchDirs = dirs
	}
	if len(patchDirs) == 0 {
		return nil, fmt.Errorf("no patch found in %s", layout.PatchDir())
	}

	summary, err := dataset.Materialize(ctx, patchDirs, codec, dataset.OptionsFromConfig(cfg.Dataset), layout.DatasetDir(cfg.Dataset.Name))
	if err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("dataset materialized",
		slog.String("dir", summary.Dir),
		slog.Int("train", summary.Counts[dataset.SplitTrain]),
		slog.Int("validation", summary.Counts[dataset.SplitValidation]),
		slog.Int("test", summary.Counts[dataset.SplitTest]))
	return summary, nil
}

// FormatDatasetSummary renders the chip counts per split and the labelled
// pixels per class, sorted by class.
func FormatDatasetSummary(summary *dataset.Summary) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Dataset %s:**\n", summary.Dir))
	sb.WriteString(fmt.Sprintf("- Features: %s\n", strings.Join(summary.Features, ", ")))
	sb.WriteString(fmt.Sprintf("- Chips: %dx%d px, %d time steps\n", summary.ChipSize, summary.ChipSize, summary.TimeSteps))
	for _, split := range dataset.Splits {
		sb.WriteString(fmt.Sprintf("- %s: %d chips from %d tiles\n", split, summary.Counts[split], len(summary.Tiles[split])))
	}

	classes := make([]int32, 0, len(summary.Classes))
	total := 0
	for class, n := range summary.Classes {
		classes = append(classes, class)
		total += n
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	if total > 0 {
		sb.WriteString("- Labelled pixels per class:\n")
		for _, class := range classes {
			n := summary.Classes[class]
			sb.WriteString(fmt.Sprintf("  - %d %s: %d (%.1f%%)\n", class, properties.ClassName(int(class)), n, 100*float64(n)/float64(total)))
		}
	}
	return sb.String()
}
