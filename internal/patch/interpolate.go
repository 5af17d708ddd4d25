package patch

import (
	"fmt"
	"sort"
	"time"
)

// Interpolate resamples every feature onto dates with linear interpolation
// over the valid observations of each pixel. Dates before the first or
// after the last observation take the nearest valid value. Pixels without
// any valid observation are 0 and stay invalid. The mask layers are dropped
// since the resampled mask replaces them.
func (p *Patch) Interpolate(dates []time.Time) error {
	if len(dates) == 0 {
		return fmt.Errorf("tile %s: no resample dates", p.TileID)
	}
	if len(p.Timestamps) == 0 {
		return fmt.Errorf("tile %s: %w", p.TileID, ErrEmptyPatch)
	}
	if !sort.SliceIsSorted(dates, func(i, j int) bool { return dates[i].Before(dates[j]) }) {
		return fmt.Errorf("tile %s: resample dates are not sorted", p.TileID)
	}

	for _, layer := range []string{LayerCLP, LayerCLM, LayerDataMask} {
		delete(p.Data, layer)
	}
	features := p.Features()

	resampled := make(map[string][][]float32, len(features))
	for _, f := range features {
		series := make([][]float32, len(dates))
		for d := range series {
			series[d] = make([]float32, p.Pixels())
		}
		resampled[f] = series
	}
	mask := make([][]bool, len(dates))
	for d := range mask {
		mask[d] = make([]bool, p.Pixels())
	}

	observed := make([]float64, len(p.Timestamps))
	for t, ts := range p.Timestamps {
		observed[t] = float64(ts.Unix())
	}

	valid := make([]int, 0, len(p.Timestamps))
	for i := range p.Pixels() {
		valid = valid[:0]
		for t := range p.Timestamps {
			if p.Mask[t][i] {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			continue
		}

		for d, date := range dates {
			mask[d][i] = true
			lo, hi, w := bracket(observed, valid, float64(date.Unix()))
			for _, f := range features {
				src := p.Data[f]
				v0, v1 := src[lo][i], src[hi][i]
				resampled[f][d][i] = v0 + float32(w)*(v1-v0)
			}
		}
	}

	p.Timestamps = append([]time.Time(nil), dates...)
	p.Data = resampled
	p.Mask = mask
	return nil
}

// bracket returns the observations around x and the weight of the later
// one. Outside the observed range both indices point at the nearest end.
func bracket(observed []float64, valid []int, x float64) (int, int, float64) {
	first, last := valid[0], valid[len(valid)-1]
	if x <= observed[first] {
		return first, first, 0
	}
	if x >= observed[last] {
		return last, last, 0
	}
	k := sort.Search(len(valid), func(j int) bool { return observed[valid[j]] >= x })
	hi := valid[k]
	lo := valid[k-1]
	if observed[hi] == x {
		return hi, hi, 0
	}
	return lo, hi, (x - observed[lo]) / (observed[hi] - observed[lo])
}
