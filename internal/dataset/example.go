package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/forest-guardian/cropmap/internal/tfrecord"
)

// Feature keys of the serialized chips.
const (
	keyFeatures     = "features"
	keyShape        = "shape"
	keyLabels       = "labels"
	keyLabelMask    = "label_mask"
	keyTileID       = "tile_id"
	keyRow          = "row"
	keyCol          = "col"
	keyAugmentation = "augmentation"
)

func ToExample(c Chip) tfrecord.Example {
	shape := make([]int64, 4)
	for i, v := range c.Shape {
		shape[i] = int64(v)
	}
	labels := make([]int64, len(c.Labels))
	for i, v := range c.Labels {
		labels[i] = int64(v)
	}
	mask := make([]int64, len(c.LabelMask))
	for i, v := range c.LabelMask {
		if v {
			mask[i] = 1
		}
	}

	return tfrecord.Example{
		keyFeatures:     tfrecord.FloatFeature(c.Features...),
		keyShape:        tfrecord.Int64Feature(shape...),
		keyLabels:       tfrecord.Int64Feature(labels...),
		keyLabelMask:    tfrecord.Int64Feature(mask...),
		keyTileID:       tfrecord.BytesFeature([]byte(c.TileID)),
		keyRow:          tfrecord.Int64Feature(int64(c.Row)),
		keyCol:          tfrecord.Int64Feature(int64(c.Col)),
		keyAugmentation: tfrecord.BytesFeature([]byte(c.Augmentation)),
	}
}

func FromExample(ex tfrecord.Example) (Chip, error) {
	shape := ex[keyShape].Ints
	if len(shape) != 4 {
		return Chip{}, fmt.Errorf("chip shape has %d dimensions", len(shape))
	}
	var c Chip
	for i, v := range shape {
		c.Shape[i] = int(v)
	}
	c.Features = ex[keyFeatures].Floats
	if want := c.Shape[0] * c.Shape[1] * c.Shape[2] * c.Shape[3]; len(c.Features) != want {
		return Chip{}, fmt.Errorf("chip has %d feature values, shape %v needs %d", len(c.Features), c.Shape, want)
	}

	labels := ex[keyLabels].Ints
	mask := ex[keyLabelMask].Ints
	if len(labels) != c.Shape[1]*c.Shape[2] || len(mask) != len(labels) {
		return Chip{}, fmt.Errorf("chip has %d labels and %d mask values for %dx%d", len(labels), len(mask), c.Shape[1], c.Shape[2])
	}
	c.Labels = make([]int32, len(labels))
	c.LabelMask = make([]bool, len(mask))
	for i := range labels {
		c.Labels[i] = int32(labels[i])
		c.LabelMask[i] = mask[i] != 0
	}

	if b := ex[keyTileID].Bytes; len(b) > 0 {
		c.TileID = string(b[0])
	}
	if b := ex[keyAugmentation].Bytes; len(b) > 0 {
		c.Augmentation = string(b[0])
	}
	if v := ex[keyRow].Ints; len(v) > 0 {
		c.Row = int(v[0])
	}
	if v := ex[keyCol].Ints; len(v) > 0 {
		c.Col = int(v[0])
	}
	return c, nil
}

// ReadChips decodes every record of a TFRecord file.
func ReadChips(path string) ([]Chip, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := tfrecord.NewReader(file)
	var chips []Chip
	for {
		ex, err := reader.NextExample()
		if errors.Is(err, io.EOF) {
			return chips, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d of %s: %w", len(chips), path, err)
		}
		chip, err := FromExample(ex)
		if err != nil {
			return nil, fmt.Errorf("record %d of %s: %w", len(chips), path, err)
		}
		chips = append(chips, chip)
	}
}
