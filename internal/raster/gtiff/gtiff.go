// Package gtiff reads and writes GeoTIFFs through GDAL.
package gtiff

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airbusgeo/godal"
	"github.com/forest-guardian/cropmap/internal/raster"
)

var registerOnce sync.Once

func register() {
	registerOnce.Do(godal.RegisterAll)
}

// ignoreWarnings keeps GDAL warnings (missing SRS, unknown tags) from
// failing the open. Sentinel Hub responses trigger a few of them.
func ignoreWarnings() godal.ErrorHandler {
	return func(ec godal.ErrorCategory, code int, msg string) error {
		if ec == godal.CE_Warning {
			return nil
		}
		return fmt.Errorf("gdal error %d: %s", code, msg)
	}
}

// Codec implements raster.Codec on top of GDAL.
type Codec struct{}

var _ raster.Codec = Codec{}

func (Codec) Decode(path string, date time.Time, bandNames []string) (raster.Scene, error) {
	return DecodeGeoTIFF(path, date, bandNames)
}

func (Codec) Write(path string, grid raster.Grid) error {
	return WriteGeoTIFF(path, grid)
}

func (Codec) Read(path string) (raster.Grid, error) {
	return ReadGeoTIFF(path)
}

// DecodeGeoTIFF reads every band of a Process API response. The file must
// hold exactly one band per name.
func DecodeGeoTIFF(path string, date time.Time, bandNames []string) (raster.Scene, error) {
	grid, err := ReadGeoTIFF(path)
	if err != nil {
		return raster.Scene{}, err
	}
	if len(grid.Layers) != len(bandNames) {
		return raster.Scene{}, fmt.Errorf("%s has %d bands, expected %d", path, len(grid.Layers), len(bandNames))
	}

	scene := raster.Scene{
		Date:         date,
		Width:        grid.Width,
		Height:       grid.Height,
		GeoTransform: grid.GeoTransform,
		Bands:        make(map[string][]float32, len(bandNames)),
	}
	for i, name := range bandNames {
		scene.Bands[name] = grid.Layers[i]
	}
	return scene, nil
}

func ReadGeoTIFF(path string) (raster.Grid, error) {
	register()
	ds, err := godal.Open(path, godal.ErrLogger(ignoreWarnings()))
	if err != nil {
		return raster.Grid{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer ds.Close()

	structure := ds.Structure()
	width, height := structure.SizeX, structure.SizeY
	gt, err := ds.GeoTransform()
	if err != nil {
		return raster.Grid{}, fmt.Errorf("failed to read geotransform of %s: %w", path, err)
	}

	grid := raster.Grid{Width: width, Height: height, GeoTransform: gt}
	for i, band := range ds.Bands() {
		data := make([]float32, width*height)
		if err := band.Read(0, 0, data, width, height); err != nil {
			return raster.Grid{}, fmt.Errorf("failed to read band %d of %s: %w", i+1, path, err)
		}
		grid.Layers = append(grid.Layers, data)
		grid.Names = append(grid.Names, band.Description())
	}
	return grid, nil
}

// WriteGeoTIFF writes grid as a float32 GTiff in EPSG:4326, one band per
// layer, with layer names stored as band descriptions.
func WriteGeoTIFF(path string, grid raster.Grid) error {
	if err := grid.Validate(); err != nil {
		return err
	}
	register()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	ds, err := godal.Create(godal.GTiff, path, len(grid.Layers), godal.Float32, grid.Width, grid.Height,
		godal.CreationOption("COMPRESS=DEFLATE", "TILED=YES"))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := writeBands(ds, grid); err != nil {
		ds.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	return nil
}

func writeBands(ds *godal.Dataset, grid raster.Grid) error {
	if err := ds.SetGeoTransform(grid.GeoTransform); err != nil {
		return err
	}
	sr, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return err
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		return err
	}

	for i, band := range ds.Bands() {
		if err := band.Write(0, 0, grid.Layers[i], grid.Width, grid.Height); err != nil {
			return fmt.Errorf("band %d: %w", i+1, err)
		}
		if i < len(grid.Names) {
			if err := band.SetDescription(grid.Names[i]); err != nil {
				return fmt.Errorf("band %d description: %w", i+1, err)
			}
		}
	}
	return nil
}
