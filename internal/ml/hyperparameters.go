package ml

import (
	"time"

	"github.com/forest-guardian/cropmap/internal/config"
)

// Hyperparameters are sent to the trainer with every Train call.
type Hyperparameters struct {
	Architecture       string
	LearningRate       float64
	NClasses           int
	Loss               string
	Metrics            []string
	Epochs             int
	IterationsPerEpoch int
	BatchSize          int
	NLayers            int
	FeaturesRoot       int
	KeepProb           float64
	ClassWeights       []float64
	// Timeout bounds the Train call. It is not sent to the trainer.
	Timeout time.Duration
}

func HyperparametersFromConfig(cfg config.TrainingConfig) Hyperparameters {
	return Hyperparameters{
		Architecture:       cfg.Architecture,
		LearningRate:       cfg.LearningRate,
		NClasses:           cfg.NClasses,
		Loss:               cfg.Loss,
		Metrics:            cfg.Metrics,
		Epochs:             cfg.Epochs,
		IterationsPerEpoch: cfg.IterationsPerEpoch,
		BatchSize:          cfg.BatchSize,
		NLayers:            cfg.NLayers,
		FeaturesRoot:       cfg.FeaturesRoot,
		KeepProb:           cfg.KeepProb,
		ClassWeights:       cfg.ClassWeights,
		Timeout:            cfg.Timeout,
	}
}

func (h Hyperparameters) Validate() error {
	cfg := config.TrainingConfig{
		Architecture:       h.Architecture,
		LearningRate:       h.LearningRate,
		NClasses:           h.NClasses,
		Loss:               h.Loss,
		Metrics:            h.Metrics,
		Epochs:             h.Epochs,
		IterationsPerEpoch: h.IterationsPerEpoch,
		BatchSize:          h.BatchSize,
		NLayers:            h.NLayers,
		FeaturesRoot:       h.FeaturesRoot,
		KeepProb:           h.KeepProb,
		ClassWeights:       h.ClassWeights,
		Timeout:            h.Timeout,
	}
	return cfg.Validate()
}

func (h Hyperparameters) toMap() map[string]any {
	metrics := make([]any, len(h.Metrics))
	for i, m := range h.Metrics {
		metrics[i] = m
	}
	weights := make([]any, len(h.ClassWeights))
	for i, w := range h.ClassWeights {
		weights[i] = w
	}
	return map[string]any{
		"architecture":         h.Architecture,
		"learning_rate":        h.LearningRate,
		"n_classes":            h.NClasses,
		"loss":                 h.Loss,
		"metrics":              metrics,
		"epochs":               h.Epochs,
		"iterations_per_epoch": h.IterationsPerEpoch,
		"batch_size":           h.BatchSize,
		"n_layers":             h.NLayers,
		"features_root":        h.FeaturesRoot,
		"keep_prob":            h.KeepProb,
		"class_weights":        weights,
	}
}

func hyperparametersFromMap(m fields) Hyperparameters {
	h := Hyperparameters{
		Architecture:       m.str("architecture"),
		LearningRate:       m.num("learning_rate"),
		NClasses:           m.integer("n_classes"),
		Loss:               m.str("loss"),
		Epochs:             m.integer("epochs"),
		IterationsPerEpoch: m.integer("iterations_per_epoch"),
		BatchSize:          m.integer("batch_size"),
		NLayers:            m.integer("n_layers"),
		FeaturesRoot:       m.integer("features_root"),
		KeepProb:           m.num("keep_prob"),
	}
	for _, v := range m.list("metrics") {
		if s, ok := v.(string); ok {
			h.Metrics = append(h.Metrics, s)
		}
	}
	for _, v := range m.list("class_weights") {
		if f, ok := v.(float64); ok {
			h.ClassWeights = append(h.ClassWeights, f)
		}
	}
	return h
}
