package config

import (
	"errors"
	"fmt"
	"slices"
)

// KnownFeatures lists the per-pixel features a resampled patch provides.
// The cloud layers (CLP, CLM, dataMask) only feed the valid mask.
var KnownFeatures = []string{
	"B01", "B02", "B03", "B04", "B05", "B06", "B07", "B08", "B8A", "B09", "B11", "B12",
	"NDVI", "NDWI", "NORM",
}

var knownLosses = []string{"focal_loss", "cross_entropy"}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	return errors.Join(
		c.AOI.validate(),
		c.Imagery.validate(),
		c.Dataset.validate(),
		c.Training.Validate(),
		c.Log.validate(),
	)
}

func (a *AOIConfig) validate() error {
	var errs []error
	if a.TileSizeM <= 0 {
		errs = append(errs, fmt.Errorf("aoi.tile_size_m must be positive, got %v", a.TileSizeM))
	}
	if a.BufferM < 0 {
		errs = append(errs, fmt.Errorf("aoi.buffer_m must not be negative, got %v", a.BufferM))
	}
	if a.LabelField == "" {
		errs = append(errs, errors.New("aoi.label_field must not be empty"))
	}
	return errors.Join(errs...)
}

func (i *ImageryConfig) validate() error {
	var errs []error
	if i.StartDate.IsZero() || i.EndDate.IsZero() {
		errs = append(errs, errors.New("imagery.start_date and imagery.end_date are required"))
	} else if i.EndDate.Before(i.StartDate.Time) {
		errs = append(errs, fmt.Errorf("imagery.end_date %s is before imagery.start_date %s", i.EndDate, i.StartDate))
	}
	if i.IntervalDays < 1 {
		errs = append(errs, fmt.Errorf("imagery.interval_days must be at least 1, got %d", i.IntervalDays))
	}
	if i.ResolutionM <= 0 {
		errs = append(errs, fmt.Errorf("imagery.resolution_m must be positive, got %v", i.ResolutionM))
	}
	if i.MaxImagePx < 1 {
		errs = append(errs, fmt.Errorf("imagery.max_image_px must be at least 1, got %d", i.MaxImagePx))
	}
	if i.MinValidCoverage < 0 || i.MinValidCoverage > 1 {
		errs = append(errs, fmt.Errorf("imagery.min_valid_coverage must be within [0,1], got %v", i.MinValidCoverage))
	}
	if i.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("imagery.max_concurrent must be at least 1, got %d", i.MaxConcurrent))
	}
	if i.RequestsPerMinute < 1 {
		errs = append(errs, fmt.Errorf("imagery.requests_per_minute must be at least 1, got %d", i.RequestsPerMinute))
	}
	if i.Retries < 1 {
		errs = append(errs, fmt.Errorf("imagery.retries must be at least 1, got %d", i.Retries))
	}
	return errors.Join(errs...)
}

func (d *DatasetConfig) validate() error {
	var errs []error
	if d.ChipSize < 1 {
		errs = append(errs, fmt.Errorf("dataset.chip_size must be at least 1, got %d", d.ChipSize))
	}
	if d.ChipStride < 1 {
		errs = append(errs, fmt.Errorf("dataset.chip_stride must be at least 1, got %d", d.ChipStride))
	}
	if d.MinLabeledFraction < 0 || d.MinLabeledFraction > 1 {
		errs = append(errs, fmt.Errorf("dataset.min_labeled_fraction must be within [0,1], got %v", d.MinLabeledFraction))
	}
	if d.ResampleDays < 1 {
		errs = append(errs, fmt.Errorf("dataset.resample_days must be at least 1, got %d", d.ResampleDays))
	}
	if len(d.Features) == 0 {
		errs = append(errs, errors.New("dataset.features must not be empty"))
	}
	for _, f := range d.Features {
		if !slices.Contains(KnownFeatures, f) {
			errs = append(errs, fmt.Errorf("dataset.features: unknown feature %q", f))
		}
	}
	if d.TrainRatio < 1 || d.ValidationRatio < 0 || d.TrainRatio+d.ValidationRatio > 100 {
		errs = append(errs, fmt.Errorf("dataset.train_ratio (%d) and dataset.validation_ratio (%d) must be positive and sum to at most 100", d.TrainRatio, d.ValidationRatio))
	}
	return errors.Join(errs...)
}

// Validate checks the hyperparameters. It is exported because the trainer
// client validates requests built outside of Load.
func (t *TrainingConfig) Validate() error {
	var errs []error
	if t.Architecture == "" {
		errs = append(errs, errors.New("training.architecture must not be empty"))
	}
	if t.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("training.learning_rate must be positive, got %v", t.LearningRate))
	}
	if t.NClasses < 2 {
		errs = append(errs, fmt.Errorf("training.n_classes must be at least 2, got %d", t.NClasses))
	}
	if !slices.Contains(knownLosses, t.Loss) {
		errs = append(errs, fmt.Errorf("training.loss must be one of %v, got %q", knownLosses, t.Loss))
	}
	if t.Epochs < 1 {
		errs = append(errs, fmt.Errorf("training.epochs must be at least 1, got %d", t.Epochs))
	}
	if t.IterationsPerEpoch < 1 {
		errs = append(errs, fmt.Errorf("training.iterations_per_epoch must be at least 1, got %d", t.IterationsPerEpoch))
	}
	if t.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("training.batch_size must be at least 1, got %d", t.BatchSize))
	}
	if t.KeepProb <= 0 || t.KeepProb > 1 {
		errs = append(errs, fmt.Errorf("training.keep_prob must be within (0,1], got %v", t.KeepProb))
	}
	if len(t.ClassWeights) > 0 && len(t.ClassWeights) != t.NClasses {
		errs = append(errs, fmt.Errorf("training.class_weights has %d entries, want %d", len(t.ClassWeights), t.NClasses))
	}
	if t.Timeout <= 0 {
		errs = append(errs, errors.New("training.timeout must be positive"))
	}
	return errors.Join(errs...)
}

func (l *LogConfig) validate() error {
	var errs []error
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level))
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", l.Format))
	}
	return errors.Join(errs...)
}
