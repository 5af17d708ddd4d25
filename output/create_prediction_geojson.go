package output

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/properties"
	"github.com/forest-guardian/cropmap/internal/raster"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// CreatePredictionGeoJSON writes one Point feature per pixel centre that is
// predicted (class other than 0) or labelled. Labelled pixels also carry the
// reference class.
func CreatePredictionGeoJSON(p *patch.Patch, classes []int32, outputPath string) error {
	if len(classes) != p.Pixels() {
		return fmt.Errorf("class map has %d values, tile %s has %d pixels", len(classes), p.TileID, p.Pixels())
	}
	labelled := len(p.Labels) == p.Pixels() && len(p.LabelMask) == p.Pixels()

	fc := geojson.NewFeatureCollection()
	for y := range p.Height {
		for x := range p.Width {
			i := y*p.Width + x
			hasLabel := labelled && p.LabelMask[i]
			if classes[i] == 0 && !hasLabel {
				continue
			}
			lon, lat := raster.PixelToLonLat(p.GeoTransform, x, y)
			feature := geojson.NewFeature(orb.Point{lon, lat})
			feature.Properties["tile_id"] = p.TileID
			feature.Properties["x"] = x
			feature.Properties["y"] = y
			feature.Properties["class"] = classes[i]
			feature.Properties["name"] = properties.ClassName(int(classes[i]))
			if hasLabel {
				feature.Properties["label"] = p.Labels[i]
			}
			fc.Append(feature)
		}
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("error encoding GeoJSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("error creating GeoJSON file: %w", err)
	}
	return nil
}
