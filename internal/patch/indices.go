package patch

import (
	"fmt"
	"math"
)

const (
	FeatureNDVI = "NDVI"
	FeatureNDWI = "NDWI"
	FeatureNORM = "NORM"
)

var normBands = []string{"B02", "B03", "B04", "B08", "B11", "B12"}

func safeDivide(a, b float32) float32 {
	if b == 0 {
		return 0
	}
	return a / b
}

func normalizedDifference(a, b float32) float32 {
	return safeDivide(a-b, a+b)
}

// ComputeIndices adds NDVI, NDWI and NORM for every timestamp and refreshes
// the validity mask.
func (p *Patch) ComputeIndices() error {
	for _, band := range append([]string{"B03", "B04", "B08"}, normBands...) {
		if _, ok := p.Data[band]; !ok {
			return fmt.Errorf("tile %s: band %s required for indices", p.TileID, band)
		}
	}

	ndvi := make([][]float32, len(p.Timestamps))
	ndwi := make([][]float32, len(p.Timestamps))
	norm := make([][]float32, len(p.Timestamps))
	for t := range p.Timestamps {
		b03, b04, b08 := p.Data["B03"][t], p.Data["B04"][t], p.Data["B08"][t]
		ndvi[t] = make([]float32, p.Pixels())
		ndwi[t] = make([]float32, p.Pixels())
		norm[t] = make([]float32, p.Pixels())
		for i := range ndvi[t] {
			ndvi[t][i] = normalizedDifference(b08[i], b04[i])
			ndwi[t][i] = normalizedDifference(b03[i], b08[i])

			var sum float64
			for _, band := range normBands {
				v := float64(p.Data[band][t][i])
				sum += v * v
			}
			norm[t][i] = float32(math.Sqrt(sum))
		}
	}
	p.Data[FeatureNDVI] = ndvi
	p.Data[FeatureNDWI] = ndwi
	p.Data[FeatureNORM] = norm

	p.ComputeValidMask()
	return nil
}

// ComputeValidMask marks a pixel valid when dataMask is 1, CLM is 0 and no
// index is NaN.
func (p *Patch) ComputeValidMask() {
	for t := range p.Timestamps {
		mask := p.sceneMask(t)
		for _, index := range []string{FeatureNDVI, FeatureNDWI, FeatureNORM} {
			values := p.layer(index, t)
			for i, v := range values {
				if math.IsNaN(float64(v)) {
					mask[i] = false
				}
			}
		}
		p.Mask[t] = mask
	}
}
