// Package evaluation scores predicted class maps against the reference labels.
package evaluation

import (
	"fmt"
	"math"
	"os"

	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/properties"
	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"
)

// ConfusionMatrix counts labelled pixels with rows indexed by the reference
// class and columns by the predicted class. Class 0 means no data and is never
// counted.
type ConfusionMatrix struct {
	n int
	m *mat.Dense
}

func NewConfusionMatrix(nClasses int) *ConfusionMatrix {
	return &ConfusionMatrix{n: nClasses, m: mat.NewDense(nClasses, nClasses, nil)}
}

func (c *ConfusionMatrix) NumClasses() int {
	return c.n
}

// Add records one pixel. Labels outside [1, n) are ignored. A prediction
// outside [0, n) is counted as no data, which is always a miss.
func (c *ConfusionMatrix) Add(label, pred int32) {
	if label < 1 || int(label) >= c.n {
		return
	}
	if pred < 0 || int(pred) >= c.n {
		pred = 0
	}
	c.m.Set(int(label), int(pred), c.m.At(int(label), int(pred))+1)
}

func (c *ConfusionMatrix) At(label, pred int) float64 {
	return c.m.At(label, pred)
}

func (c *ConfusionMatrix) Total() float64 {
	return mat.Sum(c.m)
}

// Support is the number of reference pixels of class k.
func (c *ConfusionMatrix) Support(k int) float64 {
	return mat.Sum(c.m.RowView(k))
}

// IoU is TP/(TP+FP+FN) for class k, or NaN when k appears in neither the
// labels nor the predictions.
func (c *ConfusionMatrix) IoU(k int) float64 {
	tp := c.m.At(k, k)
	fn := mat.Sum(c.m.RowView(k)) - tp
	fp := mat.Sum(c.m.ColView(k)) - tp
	if d := tp + fp + fn; d > 0 {
		return tp / d
	}
	return math.NaN()
}

// MeanIoU averages IoU over classes 1..n-1 for which it is defined.
func (c *ConfusionMatrix) MeanIoU() float64 {
	sum, n := 0.0, 0
	for k := 1; k < c.n; k++ {
		if v := c.IoU(k); !math.IsNaN(v) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func (c *ConfusionMatrix) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return math.NaN()
	}
	return mat.Trace(c.m) / total
}

type ClassScore struct {
	ClassID int     `csv:"class_id"`
	Name    string  `csv:"name"`
	IoU     float64 `csv:"iou"`
	Support int     `csv:"support"`
}

type Report struct {
	PerClass []ClassScore
	MeanIoU  float64
	Accuracy float64
	Matrix   *ConfusionMatrix
}

func NewReport(cm *ConfusionMatrix) *Report {
	r := &Report{MeanIoU: cm.MeanIoU(), Accuracy: cm.Accuracy(), Matrix: cm}
	for k := 1; k < cm.NumClasses(); k++ {
		r.PerClass = append(r.PerClass, ClassScore{
			ClassID: k,
			Name:    properties.ClassName(k),
			IoU:     cm.IoU(k),
			Support: int(cm.Support(k)),
		})
	}
	return r
}

// Evaluate joins predictions to chips on tile, row and column and fills a
// confusion matrix from the labelled pixels.
func Evaluate(chips []dataset.Chip, predictions []ml.Prediction, nClasses int) (*Report, error) {
	if nClasses < 2 {
		return nil, fmt.Errorf("at least 2 classes are needed, got %d", nClasses)
	}
	byKey := make(map[string]dataset.Chip, len(chips))
	for _, c := range chips {
		byKey[c.Key()] = c
	}

	cm := NewConfusionMatrix(nClasses)
	for _, p := range predictions {
		c, ok := byKey[p.Key()]
		if !ok {
			return nil, fmt.Errorf("prediction %s has no matching chip", p.Key())
		}
		if len(p.Classes) != len(c.Labels) {
			return nil, fmt.Errorf("prediction %s has %d pixels, chip has %d", p.Key(), len(p.Classes), len(c.Labels))
		}
		for i, label := range c.Labels {
			if c.LabelMask[i] {
				cm.Add(label, p.Classes[i])
			}
		}
	}
	return NewReport(cm), nil
}

// WriteCSV writes one row per class followed by a "mean" row.
func (r *Report) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report: %w", err)
	}
	defer file.Close()

	rows := append([]ClassScore(nil), r.PerClass...)
	support := 0
	for _, s := range r.PerClass {
		support += s.Support
	}
	rows = append(rows, ClassScore{ClassID: -1, Name: "mean", IoU: r.MeanIoU, Support: support})
	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("error writing report: %w", err)
	}
	return nil
}

// Stitch places the chip predictions of one tile back on a w x h class map.
// Pixels no chip covers stay 0. Where chips overlap, the later one wins.
func Stitch(predictions []ml.Prediction, tileID string, w, h, chipSize int) []int32 {
	out := make([]int32, w*h)
	for _, p := range predictions {
		if p.TileID != tileID || len(p.Classes) != chipSize*chipSize {
			continue
		}
		for y := range chipSize {
			ty := p.Row + y
			if ty < 0 || ty >= h {
				continue
			}
			for x := range chipSize {
				tx := p.Col + x
				if tx < 0 || tx >= w {
					continue
				}
				out[ty*w+tx] = p.Classes[y*chipSize+x]
			}
		}
	}
	return out
}
