// Package dataset cuts patches into fixed-size chips and writes the
// train, validation and test TFRecord files the trainer consumes.
package dataset

import (
	"fmt"

	"github.com/forest-guardian/cropmap/internal/patch"
)

const (
	AugmentNone  = "none"
	AugmentFlipH = "flip_h"
	AugmentFlipV = "flip_v"
)

// Chip is a size x size window of a patch. Features is laid out as
// [T, H, W, F], labels as [H, W].
type Chip struct {
	TileID       string
	Row          int
	Col          int
	Augmentation string
	Features     []float32
	Shape        [4]int
	Labels       []int32
	LabelMask    []bool
}

func (c Chip) Key() string {
	return fmt.Sprintf("%s/%d/%d", c.TileID, c.Row, c.Col)
}

func (c Chip) LabelledFraction() float64 {
	if len(c.LabelMask) == 0 {
		return 0
	}
	n := 0
	for _, v := range c.LabelMask {
		if v {
			n++
		}
	}
	return float64(n) / float64(len(c.LabelMask))
}

// SampleChips walks a regular grid of windows fully inside the patch and
// keeps those whose labelled fraction reaches minLabeled.
func SampleChips(p *patch.Patch, features []string, size, stride int, minLabeled float64) ([]Chip, error) {
	if size <= 0 || stride <= 0 {
		return nil, fmt.Errorf("invalid chip size %d or stride %d", size, stride)
	}
	if len(p.Labels) != p.Pixels() {
		return nil, fmt.Errorf("tile %s has no rasterized labels", p.TileID)
	}
	stack, shape, err := p.Stack(features)
	if err != nil {
		return nil, err
	}
	nt, nf := shape[0], shape[3]

	var chips []Chip
	for row := 0; row+size <= p.Height; row += stride {
		for col := 0; col+size <= p.Width; col += stride {
			chip := Chip{
				TileID:       p.TileID,
				Row:          row,
				Col:          col,
				Augmentation: AugmentNone,
				Shape:        [4]int{nt, size, size, nf},
				Labels:       make([]int32, size*size),
				LabelMask:    make([]bool, size*size),
			}
			for y := range size {
				src := (row+y)*p.Width + col
				copy(chip.Labels[y*size:(y+1)*size], p.Labels[src:src+size])
				copy(chip.LabelMask[y*size:(y+1)*size], p.LabelMask[src:src+size])
			}
			if chip.LabelledFraction() < minLabeled {
				continue
			}

			chip.Features = make([]float32, nt*size*size*nf)
			for t := range nt {
				for y := range size {
					src := ((t*p.Height+row+y)*p.Width + col) * nf
					dst := ((t*size + y) * size) * nf
					copy(chip.Features[dst:dst+size*nf], stack[src:src+size*nf])
				}
			}
			chips = append(chips, chip)
		}
	}
	return chips, nil
}

// FlipHorizontal mirrors the chip left to right.
func FlipHorizontal(c Chip) Chip {
	return flip(c, AugmentFlipH, func(y, x, h, w int) (int, int) { return y, w - 1 - x })
}

// FlipVertical mirrors the chip top to bottom.
func FlipVertical(c Chip) Chip {
	return flip(c, AugmentFlipV, func(y, x, h, w int) (int, int) { return h - 1 - y, x })
}

func flip(c Chip, augmentation string, mirror func(y, x, h, w int) (int, int)) Chip {
	nt, h, w, nf := c.Shape[0], c.Shape[1], c.Shape[2], c.Shape[3]
	out := c
	out.Augmentation = augmentation
	if c.Augmentation != AugmentNone && c.Augmentation != "" {
		out.Augmentation = c.Augmentation + "+" + augmentation
	}
	out.Features = make([]float32, len(c.Features))
	out.Labels = make([]int32, len(c.Labels))
	out.LabelMask = make([]bool, len(c.LabelMask))

	for y := range h {
		for x := range w {
			my, mx := mirror(y, x, h, w)
			src, dst := y*w+x, my*w+mx
			out.Labels[dst] = c.Labels[src]
			out.LabelMask[dst] = c.LabelMask[src]
			for t := range nt {
				s := ((t*h+y)*w + x) * nf
				d := ((t*h+my)*w + mx) * nf
				copy(out.Features[d:d+nf], c.Features[s:s+nf])
			}
		}
	}
	return out
}
