package ml

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/forest-guardian/cropmap/internal/dataset"
	"google.golang.org/protobuf/types/known/structpb"
)

type TrainRequest struct {
	Hyperparameters Hyperparameters
	TrainPath       string
	ValidationPath  string
	ModelDir        string
	Features        []string
	ChipSize        int
	TimeSteps       int
}

type EpochMetrics struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	IoU         float64
	ValLoss     float64
	ValAccuracy float64
	ValIoU      float64
}

type TrainResult struct {
	History    []EpochMetrics
	Checkpoint string
}

// Prediction holds the class and its probability for every pixel of one
// chip, row-major.
type Prediction struct {
	TileID        string
	Row           int
	Col           int
	Classes       []int32
	Probabilities []float32
}

func (p Prediction) Key() string {
	return fmt.Sprintf("%s/%d/%d", p.TileID, p.Row, p.Col)
}

// fields reads the loosely typed values of structpb.Struct.AsMap.
type fields map[string]any

func (f fields) str(key string) string {
	s, _ := f[key].(string)
	return s
}

func (f fields) num(key string) float64 {
	n, _ := f[key].(float64)
	return n
}

func (f fields) integer(key string) int {
	return int(f.num(key))
}

func (f fields) list(key string) []any {
	l, _ := f[key].([]any)
	return l
}

func (f fields) object(key string) fields {
	m, _ := f[key].(map[string]any)
	return m
}

func stringList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Float tensors travel as base64 little-endian float32 so a chip stays a
// few megabytes on the wire.
func encodeFloats(values []float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func decodeFloats(s string) ([]float32, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid float tensor: %w", err)
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("float tensor has %d bytes", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func EncodeTrainRequest(r TrainRequest) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"hyperparameters": r.Hyperparameters.toMap(),
		"train_path":      r.TrainPath,
		"validation_path": r.ValidationPath,
		"model_dir":       r.ModelDir,
		"features":        stringList(r.Features),
		"chip_size":       r.ChipSize,
		"time_steps":      r.TimeSteps,
	})
}

func DecodeTrainRequest(s *structpb.Struct) (TrainRequest, error) {
	m := fields(s.AsMap())
	r := TrainRequest{
		Hyperparameters: hyperparametersFromMap(m.object("hyperparameters")),
		TrainPath:       m.str("train_path"),
		ValidationPath:  m.str("validation_path"),
		ModelDir:        m.str("model_dir"),
		ChipSize:        m.integer("chip_size"),
		TimeSteps:       m.integer("time_steps"),
	}
	for _, v := range m.list("features") {
		if f, ok := v.(string); ok {
			r.Features = append(r.Features, f)
		}
	}
	if r.TrainPath == "" {
		return r, fmt.Errorf("train_path is required")
	}
	return r, nil
}

func EncodeTrainResult(r TrainResult) (*structpb.Struct, error) {
	history := make([]any, len(r.History))
	for i, e := range r.History {
		history[i] = map[string]any{
			"epoch":        e.Epoch,
			"loss":         e.Loss,
			"accuracy":     e.Accuracy,
			"iou":          e.IoU,
			"val_loss":     e.ValLoss,
			"val_accuracy": e.ValAccuracy,
			"val_iou":      e.ValIoU,
		}
	}
	return structpb.NewStruct(map[string]any{
		"history":    history,
		"checkpoint": r.Checkpoint,
	})
}

func DecodeTrainResult(s *structpb.Struct) (*TrainResult, error) {
	m := fields(s.AsMap())
	result := &TrainResult{Checkpoint: m.str("checkpoint")}
	if result.Checkpoint == "" {
		return nil, fmt.Errorf("trainer returned no checkpoint")
	}
	for _, v := range m.list("history") {
		e, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("malformed history entry %v", v)
		}
		f := fields(e)
		result.History = append(result.History, EpochMetrics{
			Epoch:       f.integer("epoch"),
			Loss:        f.num("loss"),
			Accuracy:    f.num("accuracy"),
			IoU:         f.num("iou"),
			ValLoss:     f.num("val_loss"),
			ValAccuracy: f.num("val_accuracy"),
			ValIoU:      f.num("val_iou"),
		})
	}
	return result, nil
}

func EncodePredictRequest(checkpoint string, chips []dataset.Chip) (*structpb.Struct, error) {
	encoded := make([]any, len(chips))
	for i, c := range chips {
		encoded[i] = map[string]any{
			"tile_id":  c.TileID,
			"row":      c.Row,
			"col":      c.Col,
			"shape":    []any{c.Shape[0], c.Shape[1], c.Shape[2], c.Shape[3]},
			"features": encodeFloats(c.Features),
		}
	}
	return structpb.NewStruct(map[string]any{
		"checkpoint": checkpoint,
		"chips":      encoded,
	})
}

// DecodePredictRequest returns chips without labels.
func DecodePredictRequest(s *structpb.Struct) (string, []dataset.Chip, error) {
	m := fields(s.AsMap())
	checkpoint := m.str("checkpoint")
	if checkpoint == "" {
		return "", nil, fmt.Errorf("checkpoint is required")
	}
	var chips []dataset.Chip
	for i, v := range m.list("chips") {
		raw, ok := v.(map[string]any)
		if !ok {
			return "", nil, fmt.Errorf("chip %d is malformed", i)
		}
		f := fields(raw)
		shape := f.list("shape")
		if len(shape) != 4 {
			return "", nil, fmt.Errorf("chip %d has %d shape dimensions", i, len(shape))
		}
		c := dataset.Chip{TileID: f.str("tile_id"), Row: f.integer("row"), Col: f.integer("col")}
		for j, d := range shape {
			n, _ := d.(float64)
			c.Shape[j] = int(n)
		}
		features, err := decodeFloats(f.str("features"))
		if err != nil {
			return "", nil, fmt.Errorf("chip %d: %w", i, err)
		}
		if len(features) != c.Shape[0]*c.Shape[1]*c.Shape[2]*c.Shape[3] {
			return "", nil, fmt.Errorf("chip %d has %d values for shape %v", i, len(features), c.Shape)
		}
		c.Features = features
		chips = append(chips, c)
	}
	return checkpoint, chips, nil
}

func EncodePredictions(predictions []Prediction) (*structpb.Struct, error) {
	encoded := make([]any, len(predictions))
	for i, p := range predictions {
		classes := make([]any, len(p.Classes))
		for j, c := range p.Classes {
			classes[j] = c
		}
		encoded[i] = map[string]any{
			"tile_id":       p.TileID,
			"row":           p.Row,
			"col":           p.Col,
			"classes":       classes,
			"probabilities": encodeFloats(p.Probabilities),
		}
	}
	return structpb.NewStruct(map[string]any{"predictions": encoded})
}

func DecodePredictions(s *structpb.Struct) ([]Prediction, error) {
	m := fields(s.AsMap())
	var predictions []Prediction
	for i, v := range m.list("predictions") {
		raw, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("prediction %d is malformed", i)
		}
		f := fields(raw)
		p := Prediction{TileID: f.str("tile_id"), Row: f.integer("row"), Col: f.integer("col")}
		for _, c := range f.list("classes") {
			n, _ := c.(float64)
			p.Classes = append(p.Classes, int32(n))
		}
		probabilities, err := decodeFloats(f.str("probabilities"))
		if err != nil {
			return nil, fmt.Errorf("prediction %d: %w", i, err)
		}
		if len(probabilities) != 0 && len(probabilities) != len(p.Classes) {
			return nil, fmt.Errorf("prediction %d has %d classes and %d probabilities", i, len(p.Classes), len(probabilities))
		}
		p.Probabilities = probabilities
		predictions = append(predictions, p)
	}
	return predictions, nil
}
