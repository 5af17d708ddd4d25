package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/forest-guardian/cropmap/internal/sentinel"
	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
)

type TileAcquirer interface {
	Acquire(ctx context.Context, tile aoi.Tile, dates []time.Time) ([]raster.Scene, error)
}

type Notifier interface {
	Error(message string) error
	Success(message string) error
	Warn(message string) error
}

// TileError is the failure of one tile during acquisition.
type TileError struct {
	TileID string
	Err    error
}

func (e TileError) Error() string {
	return fmt.Sprintf("tile %s: %v", e.TileID, e.Err)
}

func (e TileError) Unwrap() error {
	return e.Err
}

// AcquirePatches builds and saves one patch per tile on a pool of
// imagery.max_concurrent workers and returns the saved patch directories,
// sorted. Failed tiles are reported through notifier; the stage only fails
// when no tile succeeds.
func AcquirePatches(ctx context.Context, cfg *config.Config, acquirer TileAcquirer, codec patch.GridCodec, labels *aoi.Labels, tiles []aoi.Tile, layout Layout, notifier Notifier) ([]string, error) {
	logger := logging.FromContext(ctx)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tile to acquire")
	}
	dates := sentinel.Dates(cfg.Imagery.StartDate.Time, cfg.Imagery.EndDate.Time, cfg.Imagery.IntervalDays)
	resampleDates := sentinel.Dates(cfg.Imagery.StartDate.Time, cfg.Imagery.EndDate.Time, cfg.Dataset.ResampleDays)

	var (
		mu       sync.Mutex
		dirs     []string
		failures []TileError
	)
	bar := progressbar.Default(int64(len(tiles)), "Acquiring tiles")
	wp := workerpool.New(cfg.Imagery.MaxConcurrent)
	for _, tile := range tiles {
		wp.Submit(func() {
			defer bar.Add(1)
			dir := filepath.Join(layout.PatchDir(), tile.ID)
			err := buildPatch(ctx, cfg, acquirer, codec, labels, tile, dates, resampleDates, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("tile failed", slog.String("tile", tile.ID), slog.Any("error", err))
				failures = append(failures, TileError{TileID: tile.ID, Err: err})
				return
			}
			dirs = append(dirs, dir)
		})
	}
	wp.StopWait()
	bar.Finish()

	sort.Strings(dirs)
	sort.Slice(failures, func(i, j int) bool { return failures[i].TileID < failures[j].TileID })

	if len(dirs) == 0 {
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f
		}
		return nil, fmt.Errorf("all %d tiles failed: %w", len(tiles), errors.Join(errs...))
	}
	if len(failures) > 0 && notifier != nil {
		if err := notifier.Warn(formatTileErrors(failures, len(tiles))); err != nil {
			logger.Warn("failed to send notification", slog.Any("error", err))
		}
	}
	logger.Info("patches acquired", slog.Int("ok", len(dirs)), slog.Int("failed", len(failures)))
	return dirs, nil
}

func buildPatch(ctx context.Context, cfg *config.Config, acquirer TileAcquirer, codec patch.GridCodec, labels *aoi.Labels, tile aoi.Tile, dates, resampleDates []time.Time, dir string) error {
	scenes, err := acquirer.Acquire(ctx, tile, dates)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("no valid scene: %w", patch.ErrEmptyPatch)
	}

	p := patch.New(tile, scenes[0].Width, scenes[0].Height, scenes[0].GeoTransform)
	for _, scene := range scenes {
		if err := p.AddScene(scene); err != nil {
			return err
		}
	}
	if err := p.ComputeIndices(); err != nil {
		return err
	}
	if _, err := p.FilterCoverage(cfg.Imagery.MinValidCoverage); err != nil {
		return err
	}
	if err := p.Interpolate(resampleDates); err != nil {
		return err
	}
	p.RasterizeLabels(aoi.FieldsInTile(labels, tile))
	return patch.Save(dir, p, codec)
}

func formatTileErrors(failures []TileError, total int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Patch acquisition completed with %d of %d tiles failed:\n", len(failures), total))
	for _, f := range failures {
		sb.WriteString(fmt.Sprintf("- %s\n", f.Error()))
	}
	return sb.String()
}
