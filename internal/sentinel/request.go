package sentinel

import (
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// BandNames is the layer order of every Process API response: the twelve
// L2A reflectance bands, cloud probability, cloud mask and data mask.
var BandNames = []string{
	"B01", "B02", "B03", "B04", "B05", "B06", "B07", "B08", "B8A", "B09", "B11", "B12",
	"CLP", "CLM", "dataMask",
}

const metersPerDegree = 111_000.0

func calculatePixels(distance float64, resolution float64) int {
	pixels := distance * (metersPerDegree / resolution)
	if pixels < 1 {
		return 1
	}
	return int(pixels)
}

// ImageSize returns the output size of a request over bound at resolutionM
// metres per pixel, clamped to [1, maxPx] on both axes.
func ImageSize(bound orb.Bound, resolutionM float64, maxPx int) (int, int) {
	width := calculatePixels(bound.Max[0]-bound.Min[0], resolutionM)
	height := calculatePixels(bound.Max[1]-bound.Min[1], resolutionM)
	if maxPx > 0 {
		width = min(width, maxPx)
		height = min(height, maxPx)
	}
	return width, height
}

func evalscript() string {
	quoted := make([]string, len(BandNames))
	samples := make([]string, len(BandNames))
	for i, band := range BandNames {
		quoted[i] = fmt.Sprintf("%q", band)
		samples[i] = "sample." + band
		if band == "CLP" {
			// CLP is delivered as 0-255
			samples[i] = "sample.CLP / 255"
		}
	}

	return fmt.Sprintf(`//VERSION=3
function setup() {
  return {
    input: [{
      bands: [%s]
    }],
    output: {
      id: "default",
      bands: %d,
      sampleType: SampleType.FLOAT32
    }
  }
}

function evaluatePixel(sample) {
  return [%s];
}
`, strings.Join(quoted, ", "), len(BandNames), strings.Join(samples, ", "))
}

// BuildRequest returns the Process API payload for one image.
func BuildRequest(bound orb.Bound, from, to time.Time, width, height int) map[string]interface{} {
	return map[string]interface{}{
		"input": map[string]interface{}{
			"bounds": map[string]interface{}{
				"bbox": []float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]},
				"properties": map[string]string{
					"crs": "http://www.opengis.net/def/crs/EPSG/0/4326",
				},
			},
			"data": []map[string]interface{}{
				{
					"type": "sentinel-2-l2a",
					"dataFilter": map[string]interface{}{
						"timeRange": map[string]string{
							"from": from.UTC().Format(time.RFC3339),
							"to":   to.UTC().Format(time.RFC3339),
						},
						"mosaickingOrder": "mostRecent",
					},
				},
			},
		},
		"output": map[string]interface{}{
			"width":  width,
			"height": height,
			"responses": []map[string]interface{}{
				{
					"identifier": "default",
					"format": map[string]string{
						"type": "image/tiff",
					},
				},
			},
		},
		"evalscript": evalscript(),
	}
}

// Dates steps from start to end (inclusive) every intervalDays.
func Dates(start, end time.Time, intervalDays int) []time.Time {
	if intervalDays < 1 || end.Before(start) {
		return nil
	}
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, intervalDays) {
		dates = append(dates, d)
	}
	return dates
}
