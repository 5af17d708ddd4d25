package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/paulmach/orb"
)

type AOIResult struct {
	Labels    *aoi.Labels
	Hull      orb.Polygon
	Tiles     []aoi.Tile
	TilesPath string
}

// PrepareAOI loads the crop field labels, wraps them in a convex hull and
// splits the hull into tiles. The tiles are written as GeoJSON.
func PrepareAOI(ctx context.Context, cfg *config.Config, labelsPath string, layout Layout) (*AOIResult, error) {
	labels, err := aoi.LoadLabels(labelsPath, cfg.AOI.LabelField, cfg.AOI.FieldIDField)
	if err != nil {
		return nil, err
	}
	hull := labels.Hull(cfg.AOI.BufferM)
	tiles := aoi.SplitTiles(hull, cfg.AOI.TileSizeM)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("no tile covers the labels of %s", labelsPath)
	}

	if err := os.MkdirAll(layout.AOIDir(), os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create aoi folder: %w", err)
	}
	tilesPath := filepath.Join(layout.AOIDir(), cfg.AOI.Name+"_tiles.geojson")
	if err := aoi.WriteTilesGeoJSON(tilesPath, tiles); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("aoi prepared",
		slog.Int("fields", len(labels.Fields)),
		slog.Any("classes", labels.Classes()),
		slog.Int("tiles", len(tiles)),
		slog.String("path", tilesPath))
	return &AOIResult{Labels: labels, Hull: hull, Tiles: tiles, TilesPath: tilesPath}, nil
}
