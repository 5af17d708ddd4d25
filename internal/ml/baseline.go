package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/forest-guardian/cropmap/internal/dataset"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// BaselineServer is a nearest-centroid segmenter. Each class is represented by
// the mean of its labelled pixels' time series, and each pixel is assigned to
// the closest centroid. It serves the same service as the deep learning
// trainer, so the whole pipeline runs without one.
type BaselineServer struct {
	mu     sync.Mutex
	models map[string]*centroidModel
}

func NewBaselineServer() *BaselineServer {
	return &BaselineServer{models: make(map[string]*centroidModel)}
}

type centroidModel struct {
	NClasses  int         `json:"n_classes"`
	Features  []string    `json:"features"`
	TimeSteps int         `json:"time_steps"`
	Centroids [][]float64 `json:"centroids"`
}

func (s *BaselineServer) Train(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := DecodeTrainRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Hyperparameters.NClasses < 2 {
		return nil, status.Errorf(codes.InvalidArgument, "n_classes must be at least 2, got %d", req.Hyperparameters.NClasses)
	}
	train, err := dataset.ReadChips(req.TrainPath)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	model, err := fitCentroids(train, req.Hyperparameters.NClasses)
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	model.Features = req.Features
	model.TimeSteps = req.TimeSteps

	metrics := EpochMetrics{Epoch: 1}
	metrics.Loss, metrics.Accuracy, metrics.IoU = model.score(train)
	if req.ValidationPath != "" {
		validation, err := dataset.ReadChips(req.ValidationPath)
		if err != nil {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		metrics.ValLoss, metrics.ValAccuracy, metrics.ValIoU = model.score(validation)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	checkpoint := filepath.Join(req.ModelDir, "centroids.json")
	if err := saveModel(checkpoint, model); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.mu.Lock()
	s.models[checkpoint] = model
	s.mu.Unlock()

	return EncodeTrainResult(TrainResult{History: []EpochMetrics{metrics}, Checkpoint: checkpoint})
}

func (s *BaselineServer) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	checkpoint, chips, err := DecodePredictRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	model, err := s.model(checkpoint)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	predictions := make([]Prediction, len(chips))
	for i, c := range chips {
		if want := model.dims(); c.Shape[0]*c.Shape[3] != want {
			return nil, status.Errorf(codes.InvalidArgument, "chip %s has %d values per pixel, model expects %d", c.Key(), c.Shape[0]*c.Shape[3], want)
		}
		predictions[i] = model.predict(c)
	}
	return EncodePredictions(predictions)
}

func (s *BaselineServer) model(checkpoint string) (*centroidModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[checkpoint]; ok {
		return m, nil
	}
	data, err := os.ReadFile(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("unknown checkpoint %s: %w", checkpoint, err)
	}
	var m centroidModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid checkpoint %s: %w", checkpoint, err)
	}
	s.models[checkpoint] = &m
	return &m, nil
}

func saveModel(path string, m *centroidModel) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// pixel returns the T*F values of pixel i of a chip.
func pixel(c dataset.Chip, i int, buf []float64) []float64 {
	nt, h, w, nf := c.Shape[0], c.Shape[1], c.Shape[2], c.Shape[3]
	buf = buf[:0]
	for t := range nt {
		base := (t*h*w + i) * nf
		for f := range nf {
			buf = append(buf, float64(c.Features[base+f]))
		}
	}
	return buf
}

func fitCentroids(chips []dataset.Chip, nClasses int) (*centroidModel, error) {
	if len(chips) == 0 {
		return nil, fmt.Errorf("no training chip")
	}
	dims := chips[0].Shape[0] * chips[0].Shape[3]
	sums := make([][]float64, nClasses)
	counts := make([]int, nClasses)
	for k := range sums {
		sums[k] = make([]float64, dims)
	}
	var buf []float64
	for _, c := range chips {
		if c.Shape[0]*c.Shape[3] != dims {
			return nil, fmt.Errorf("chip %s has %d values per pixel, expected %d", c.Key(), c.Shape[0]*c.Shape[3], dims)
		}
		for i, label := range c.Labels {
			if !c.LabelMask[i] || label < 1 || int(label) >= nClasses {
				continue
			}
			buf = pixel(c, i, buf)
			for d, v := range buf {
				sums[label][d] += v
			}
			counts[label]++
		}
	}

	model := &centroidModel{NClasses: nClasses, Centroids: make([][]float64, nClasses)}
	seen := 0
	for k := 1; k < nClasses; k++ {
		if counts[k] == 0 {
			continue
		}
		seen++
		model.Centroids[k] = sums[k]
		for d := range sums[k] {
			model.Centroids[k][d] /= float64(counts[k])
		}
	}
	if seen == 0 {
		return nil, fmt.Errorf("training chips carry no labelled pixel")
	}
	return model, nil
}

func (m *centroidModel) dims() int {
	for _, c := range m.Centroids {
		if c != nil {
			return len(c)
		}
	}
	return 0
}

// classify returns the nearest class and the softmax of the negative squared
// distances over all classes.
func (m *centroidModel) classify(v []float64) (int32, []float64) {
	best, bestDist := int32(0), math.Inf(1)
	dists := make([]float64, len(m.Centroids))
	for k, centroid := range m.Centroids {
		if centroid == nil {
			dists[k] = math.Inf(1)
			continue
		}
		d := 0.0
		for i, x := range v {
			diff := x - centroid[i]
			d += diff * diff
		}
		dists[k] = d
		if d < bestDist {
			best, bestDist = int32(k), d
		}
	}
	sum := 0.0
	for k, d := range dists {
		dists[k] = math.Exp(bestDist - d)
		sum += dists[k]
	}
	for k := range dists {
		dists[k] /= sum
	}
	return best, dists
}

func (m *centroidModel) predict(c dataset.Chip) Prediction {
	n := c.Shape[1] * c.Shape[2]
	p := Prediction{
		TileID:        c.TileID,
		Row:           c.Row,
		Col:           c.Col,
		Classes:       make([]int32, n),
		Probabilities: make([]float32, n),
	}
	var buf []float64
	for i := range n {
		buf = pixel(c, i, buf)
		class, probs := m.classify(buf)
		p.Classes[i] = class
		p.Probabilities[i] = float32(probs[class])
	}
	return p
}

// score returns the mean negative log-likelihood of the true class, pixel
// accuracy and mean IoU over the labelled pixels of chips.
func (m *centroidModel) score(chips []dataset.Chip) (loss, accuracy, iou float64) {
	tp := make([]int, m.NClasses)
	fp := make([]int, m.NClasses)
	fn := make([]int, m.NClasses)
	total, correct := 0, 0
	var buf []float64
	for _, c := range chips {
		for i, label := range c.Labels {
			if !c.LabelMask[i] || label < 1 || int(label) >= m.NClasses {
				continue
			}
			buf = pixel(c, i, buf)
			class, probs := m.classify(buf)
			total++
			loss -= math.Log(max(probs[label], 1e-7))
			if class == label {
				correct++
				tp[label]++
			} else {
				fp[class]++
				fn[label]++
			}
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	present := 0
	for k := 1; k < m.NClasses; k++ {
		if d := tp[k] + fp[k] + fn[k]; d > 0 {
			iou += float64(tp[k]) / float64(d)
			present++
		}
	}
	if present > 0 {
		iou /= float64(present)
	}
	return loss / float64(total), float64(correct) / float64(total), iou
}
