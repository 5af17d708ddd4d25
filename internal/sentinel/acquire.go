package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/cache"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
)

type ImageRequester interface {
	RequestImage(ctx context.Context, bound orb.Bound, from, to time.Time) ([]byte, error)
}

type Decoder interface {
	Decode(path string, date time.Time, bandNames []string) (raster.Scene, error)
}

// Acquirer downloads and decodes the scenes of a tile. Responses are kept
// on disk so a rerun only requests what is missing; dates known to hold no
// data are remembered per tile and skipped.
type Acquirer struct {
	requester ImageRequester
	decoder   Decoder
	imageDir  string
	invalid   cache.CacheService[[]string]
}

func NewAcquirer(requester ImageRequester, decoder Decoder, imageDir string, invalid cache.CacheService[[]string]) *Acquirer {
	return &Acquirer{
		requester: requester,
		decoder:   decoder,
		imageDir:  imageDir,
		invalid:   invalid,
	}
}

func (a *Acquirer) imagePath(tileID string, date time.Time) string {
	return filepath.Join(a.imageDir, tileID, fmt.Sprintf("%s_%s.tif", tileID, date.Format(time.DateOnly)))
}

// Acquire returns the valid scenes of tile for dates, oldest first. Each
// date requests a one-day window.
func (a *Acquirer) Acquire(ctx context.Context, tile aoi.Tile, dates []time.Time) ([]raster.Scene, error) {
	logger := logging.FromContext(ctx).With(slog.String("tile", tile.ID))
	invalidKey := a.invalid.GenerateKey("invalid", tile.ID)
	invalidDates, _ := a.invalid.Get(invalidKey)

	var scenes []raster.Scene
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		day := date.Format(time.DateOnly)
		if slices.Contains(invalidDates, day) {
			continue
		}

		scene, err := a.acquireDate(ctx, tile, date)
		if errors.Is(err, ErrImageNotFound) {
			logger.Debug("no image for date", slog.String("date", day))
			if err := a.markInvalid(invalidKey, day); err != nil {
				return nil, err
			}
			invalidDates = append(invalidDates, day)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tile %s date %s: %w", tile.ID, day, err)
		}
		scenes = append(scenes, scene)
	}

	logger.Info("tile acquired", slog.Int("scenes", len(scenes)), slog.Int("dates", len(dates)))
	return scenes, nil
}

func (a *Acquirer) acquireDate(ctx context.Context, tile aoi.Tile, date time.Time) (raster.Scene, error) {
	path := a.imagePath(tile.ID, date)

	if _, err := os.Stat(path); err == nil {
		scene, err := a.decode(path, date)
		if err == nil || errors.Is(err, ErrImageNotFound) {
			return scene, err
		}
		logging.FromContext(ctx).Warn("cached image unreadable, downloading again",
			slog.String("path", path), slog.String("error", err.Error()))
		os.Remove(path)
	}

	imageBytes, err := a.requester.RequestImage(ctx, tile.Bound, date, date.AddDate(0, 0, 1))
	if err != nil {
		return raster.Scene{}, err
	}
	if err := writeFile(path, imageBytes); err != nil {
		return raster.Scene{}, err
	}
	return a.decode(path, date)
}

// decode removes images whose data mask is empty and reports them as not
// found.
func (a *Acquirer) decode(path string, date time.Time) (raster.Scene, error) {
	scene, err := a.decoder.Decode(path, date, BandNames)
	if err != nil {
		return raster.Scene{}, err
	}
	if scene.Empty("dataMask") {
		os.Remove(path)
		return raster.Scene{}, ErrImageNotFound
	}
	return scene, nil
}

func (a *Acquirer) markInvalid(key, day string) error {
	err := a.invalid.Update(key, func(current []string, _ bool) []string {
		if slices.Contains(current, day) {
			return current
		}
		return append(current, day)
	})
	if err != nil {
		return fmt.Errorf("failed to save invalid image list: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write image file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename image file: %w", err)
	}
	return nil
}
