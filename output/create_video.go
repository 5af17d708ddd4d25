package output

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/icza/mjpeg"
)

// trueColorGain brightens L2A reflectances, which rarely exceed 0.3 over land.
const trueColorGain = 3.5

func toByte(v float32) uint8 {
	v *= trueColorGain * 255
	switch {
	case math.IsNaN(float64(v)) || v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// TrueColorFrame renders timestamp t of a patch from B04, B03 and B02.
// Invalid pixels are black.
func TrueColorFrame(p *patch.Patch, t int) (*image.RGBA, error) {
	var rgb [3][]float32
	for i, band := range []string{"B04", "B03", "B02"} {
		series, ok := p.Data[band]
		if !ok || t >= len(series) {
			return nil, fmt.Errorf("tile %s has no %s at timestamp %d", p.TileID, band, t)
		}
		rgb[i] = series[t]
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := range p.Height {
		for x := range p.Width {
			i := y*p.Width + x
			if t < len(p.Mask) && !p.Mask[t][i] {
				img.SetRGBA(x, y, color.RGBA{A: 255})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{R: toByte(rgb[0][i]), G: toByte(rgb[1][i]), B: toByte(rgb[2][i]), A: 255})
		}
	}
	return img, nil
}

// CreateTimelapse writes one true-colour frame per timestamp of the patch to
// an MJPEG AVI.
func CreateTimelapse(p *patch.Patch, outputPath string, fps int32) error {
	if len(p.Timestamps) == 0 {
		return fmt.Errorf("tile %s has no timestamp", p.TileID)
	}
	if !strings.HasSuffix(outputPath, ".avi") {
		outputPath += ".avi"
	}
	if fps < 1 {
		fps = 2
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}

	writer, err := mjpeg.New(outputPath, int32(p.Width), int32(p.Height), fps)
	if err != nil {
		return err
	}
	for t := range p.Timestamps {
		img, err := TrueColorFrame(p, t)
		if err != nil {
			writer.Close()
			return err
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
			writer.Close()
			return err
		}
		if err := writer.AddFrame(buf.Bytes()); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}
