package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/tfrecord"
	"github.com/gocarina/gocsv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

const (
	ManifestFile = "manifest.csv"
	SummaryFile  = "summary.json"
)

type Options struct {
	Features           []string
	ChipSize           int
	ChipStride         int
	MinLabeledFraction float64
	AugmentFlips       bool
	TrainRatio         int
	ValidationRatio    int
	Seed               int64
	ShowProgress       bool
}

func OptionsFromConfig(cfg config.DatasetConfig) Options {
	return Options{
		Features:           cfg.Features,
		ChipSize:           cfg.ChipSize,
		ChipStride:         cfg.ChipStride,
		MinLabeledFraction: cfg.MinLabeledFraction,
		AugmentFlips:       cfg.AugmentFlips,
		TrainRatio:         cfg.TrainRatio,
		ValidationRatio:    cfg.ValidationRatio,
		Seed:               cfg.Seed,
		ShowProgress:       true,
	}
}

type ManifestRow struct {
	Split            SplitName `csv:"split"`
	TileID           string    `csv:"tile_id"`
	Row              int       `csv:"row"`
	Col              int       `csv:"col"`
	Augmentation     string    `csv:"augmentation"`
	LabelledFraction float64   `csv:"labelled_fraction"`
}

// Summary describes a materialized dataset. It is stored next to the
// record files so training can run without the patches.
type Summary struct {
	Dir       string                 `json:"dir"`
	Features  []string               `json:"features"`
	ChipSize  int                    `json:"chip_size"`
	TimeSteps int                    `json:"time_steps"`
	Counts    map[SplitName]int      `json:"counts"`
	Tiles     map[SplitName][]string `json:"tiles"`
	Classes   map[int32]int          `json:"classes"`
}

func (s *Summary) RecordPath(split SplitName) string {
	return filepath.Join(s.Dir, string(split)+".tfrecord")
}

type tileChips struct {
	tileID    string
	timeSteps int
	chips     []Chip
}

// Materialize loads every patch, cuts it into chips, assigns tiles to
// splits and writes one TFRecord file per split plus a CSV manifest.
// Flipped copies are added to the train split only.
func Materialize(ctx context.Context, patchDirs []string, codec patch.GridCodec, opts Options, outDir string) (*Summary, error) {
	logger := logging.FromContext(ctx)
	if len(patchDirs) == 0 {
		return nil, fmt.Errorf("no patch to materialize")
	}

	loaded := make([]tileChips, len(patchDirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, dir := range patchDirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := patch.Load(dir, codec)
			if err != nil {
				return err
			}
			chips, err := SampleChips(p, opts.Features, opts.ChipSize, opts.ChipStride, opts.MinLabeledFraction)
			if err != nil {
				return fmt.Errorf("tile %s: %w", p.TileID, err)
			}
			loaded[i] = tileChips{tileID: p.TileID, timeSteps: len(p.Timestamps), chips: chips}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load patches: %w", err)
	}

	summary := &Summary{
		Dir:      outDir,
		Features: opts.Features,
		ChipSize: opts.ChipSize,
		Counts:   make(map[SplitName]int),
		Tiles:    make(map[SplitName][]string),
		Classes:  make(map[int32]int),
	}
	var tileIDs []string
	total := 0
	for _, tc := range loaded {
		if summary.TimeSteps == 0 {
			summary.TimeSteps = tc.timeSteps
		}
		if tc.timeSteps != summary.TimeSteps {
			return nil, fmt.Errorf("tile %s has %d timestamps, expected %d", tc.tileID, tc.timeSteps, summary.TimeSteps)
		}
		if len(tc.chips) == 0 {
			logger.Warn("tile produced no chip", slog.String("tile", tc.tileID))
			continue
		}
		tileIDs = append(tileIDs, tc.tileID)
		total += len(tc.chips)
	}
	if total == 0 {
		return nil, fmt.Errorf("no chip reaches the labelled fraction %.2f", opts.MinLabeledFraction)
	}

	assignment := Split(tileIDs, opts.TrainRatio, opts.ValidationRatio, opts.Seed)
	for split, tiles := range groupTiles(assignment) {
		summary.Tiles[split] = tiles
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dataset directory: %w", err)
	}
	manifest, err := writeRecords(summary, loaded, assignment, opts)
	if err != nil {
		return nil, err
	}

	if err := writeManifest(filepath.Join(outDir, ManifestFile), manifest); err != nil {
		return nil, err
	}
	if err := writeSummary(filepath.Join(outDir, SummaryFile), summary); err != nil {
		return nil, err
	}

	logger.Info("dataset materialized",
		slog.String("dir", outDir),
		slog.Int("train", summary.Counts[SplitTrain]),
		slog.Int("validation", summary.Counts[SplitValidation]),
		slog.Int("test", summary.Counts[SplitTest]))
	return summary, nil
}

func groupTiles(assignment map[string]SplitName) map[SplitName][]string {
	grouped := make(map[SplitName][]string)
	for tile, split := range assignment {
		grouped[split] = append(grouped[split], tile)
	}
	for _, tiles := range grouped {
		sort.Strings(tiles)
	}
	return grouped
}

func writeRecords(summary *Summary, loaded []tileChips, assignment map[string]SplitName, opts Options) ([]ManifestRow, error) {
	files := make(map[SplitName]*os.File, len(Splits))
	writers := make(map[SplitName]*tfrecord.Writer, len(Splits))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, split := range Splits {
		f, err := os.Create(summary.RecordPath(split))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s records: %w", split, err)
		}
		files[split] = f
		writers[split] = tfrecord.NewWriter(f)
	}

	total := 0
	for _, tc := range loaded {
		total += len(tc.chips)
	}
	var bar *progressbar.ProgressBar
	if opts.ShowProgress {
		bar = progressbar.Default(int64(total), "Writing chips")
	} else {
		bar = progressbar.DefaultSilent(int64(total), "Writing chips")
	}

	var manifest []ManifestRow
	write := func(split SplitName, chip Chip) error {
		if err := writers[split].WriteExample(ToExample(chip)); err != nil {
			return fmt.Errorf("failed to write chip %s: %w", chip.Key(), err)
		}
		summary.Counts[split]++
		manifest = append(manifest, ManifestRow{
			Split:            split,
			TileID:           chip.TileID,
			Row:              chip.Row,
			Col:              chip.Col,
			Augmentation:     chip.Augmentation,
			LabelledFraction: chip.LabelledFraction(),
		})
		return nil
	}

	for _, tc := range loaded {
		split, ok := assignment[tc.tileID]
		if !ok {
			continue
		}
		for _, chip := range tc.chips {
			for i, label := range chip.Labels {
				if chip.LabelMask[i] {
					summary.Classes[label]++
				}
			}
			if err := write(split, chip); err != nil {
				return nil, err
			}
			if split == SplitTrain && opts.AugmentFlips {
				if err := write(split, FlipHorizontal(chip)); err != nil {
					return nil, err
				}
				if err := write(split, FlipVertical(chip)); err != nil {
					return nil, err
				}
			}
			bar.Add(1)
		}
	}
	bar.Finish()

	for _, split := range Splits {
		if err := writers[split].Flush(); err != nil {
			return nil, err
		}
		if err := files[split].Close(); err != nil {
			return nil, fmt.Errorf("failed to close %s records: %w", split, err)
		}
		delete(files, split)
	}
	return manifest, nil
}

func writeManifest(path string, rows []ManifestRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating manifest: %w", err)
	}
	defer file.Close()
	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

func ReadManifest(path string) ([]ManifestRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening manifest: %w", err)
	}
	defer file.Close()

	var rows []ManifestRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("error unmarshalling manifest: %w", err)
	}
	return rows, nil
}

func writeSummary(path string, summary *Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode dataset summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dataset summary: %w", err)
	}
	return nil
}

// LoadSummary reads the summary of a dataset written by Materialize. Dir is
// set to dir so the dataset can be moved.
func LoadSummary(dir string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset summary: %w", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse dataset summary: %w", err)
	}
	summary.Dir = dir
	return &summary, nil
}
