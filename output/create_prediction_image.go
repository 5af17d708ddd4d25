package output

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"

	"github.com/fogleman/gg"
	"github.com/forest-guardian/cropmap/internal/properties"
)

const (
	minMapSide    = 256
	legendSpacing = 20
	legendWidth   = 180
)

func classColor(id int32) color.RGBA {
	c := properties.ClassColor(int(id))
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// classImage paints one square of scale x scale pixels per class value.
func classImage(classes []int32, w, h, scale int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
	for y := range h {
		for x := range w {
			c := classColor(classes[y*w+x])
			for dy := range scale {
				for dx := range scale {
					img.SetRGBA(x*scale+dx, y*scale+dy, c)
				}
			}
		}
	}
	return img
}

// CreatePredictionImage writes a w x h class map as PNG, coloured through
// properties.ColorMap, with a legend of the classes present below it. Small
// maps are upscaled so the legend stays readable.
func CreatePredictionImage(classes []int32, w, h int, outputPath string) error {
	if w <= 0 || h <= 0 || len(classes) != w*h {
		return fmt.Errorf("class map has %d values for %dx%d", len(classes), w, h)
	}
	if filepath.Ext(outputPath) != ".png" {
		outputPath += ".png"
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}

	scale := max(1, minMapSide/max(w, h))
	img := classImage(classes, w, h, scale)

	var present []int32
	for _, c := range classes {
		if !slices.Contains(present, c) {
			present = append(present, c)
		}
	}
	slices.Sort(present)

	width := max(w*scale, legendWidth)
	height := h*scale + 10 + len(present)*legendSpacing
	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.DrawImage(img, 0, 0)

	legendX, legendY := 10, h*scale+10
	for i, id := range present {
		y := legendY + i*legendSpacing
		c := classColor(id)
		dc.SetRGB(float64(c.R)/255, float64(c.G)/255, float64(c.B)/255)
		dc.DrawRectangle(float64(legendX), float64(y), 15, 15)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		dc.DrawRectangle(float64(legendX), float64(y), 15, 15)
		dc.SetLineWidth(1)
		dc.Stroke()

		dc.DrawStringAnchored(fmt.Sprintf("%d %s", id, properties.ClassName(int(id))), float64(legendX+20), float64(y+7), 0, 0.5)
	}

	if err := dc.SavePNG(outputPath); err != nil {
		return fmt.Errorf("failed to save prediction image: %w", err)
	}
	return nil
}
