// Package config loads the pipeline settings in layers: built-in defaults,
// an optional YAML file and CROPMAP_ prefixed environment variables.
package config

import "time"

type Config struct {
	AOI      AOIConfig      `koanf:"aoi"`
	Imagery  ImageryConfig  `koanf:"imagery"`
	Dataset  DatasetConfig  `koanf:"dataset"`
	Training TrainingConfig `koanf:"training"`
	Log      LogConfig      `koanf:"log"`
}

type AOIConfig struct {
	Name         string  `koanf:"name"`
	TileSizeM    float64 `koanf:"tile_size_m"`
	BufferM      float64 `koanf:"buffer_m"`
	LabelField   string  `koanf:"label_field"`
	FieldIDField string  `koanf:"field_id_field"`
}

type ImageryConfig struct {
	StartDate         Date          `koanf:"start_date"`
	EndDate           Date          `koanf:"end_date"`
	IntervalDays      int           `koanf:"interval_days"`
	ResolutionM       float64       `koanf:"resolution_m"`
	MaxImagePx        int           `koanf:"max_image_px"`
	MinValidCoverage  float64       `koanf:"min_valid_coverage"`
	MaxConcurrent     int           `koanf:"max_concurrent"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	Retries           int           `koanf:"retries"`
	RetryWait         time.Duration `koanf:"retry_wait"`
}

type DatasetConfig struct {
	Name               string   `koanf:"name"`
	ChipSize           int      `koanf:"chip_size"`
	ChipStride         int      `koanf:"chip_stride"`
	MinLabeledFraction float64  `koanf:"min_labeled_fraction"`
	ResampleDays       int      `koanf:"resample_days"`
	Features           []string `koanf:"features"`
	AugmentFlips       bool     `koanf:"augment_flips"`
	TrainRatio         int      `koanf:"train_ratio"`
	ValidationRatio    int      `koanf:"validation_ratio"`
	Seed               int64    `koanf:"seed"`
}

type TrainingConfig struct {
	Architecture       string        `koanf:"architecture"`
	LearningRate       float64       `koanf:"learning_rate"`
	NClasses           int           `koanf:"n_classes"`
	Loss               string        `koanf:"loss"`
	Metrics            []string      `koanf:"metrics"`
	Epochs             int           `koanf:"epochs"`
	IterationsPerEpoch int           `koanf:"iterations_per_epoch"`
	BatchSize          int           `koanf:"batch_size"`
	NLayers            int           `koanf:"n_layers"`
	FeaturesRoot       int           `koanf:"features_root"`
	KeepProb           float64       `koanf:"keep_prob"`
	ClassWeights       []float64     `koanf:"class_weights"`
	Timeout            time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Date is a calendar day in YYYY-MM-DD form.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.DateOnly, string(text))
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func (d Date) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return []byte{}, nil
	}
	return []byte(d.Format(time.DateOnly)), nil
}

func (d Date) String() string {
	return d.Format(time.DateOnly)
}
