package config

const (
	defaultTileSizeM   = 5000.0
	defaultResolutionM = 10.0
	defaultMaxImagePx  = 2500
	defaultChipSize    = 64
	defaultEpochs      = 20
)

// DefaultFeatures is the per-timestamp feature stack fed to the network.
var DefaultFeatures = []string{"B02", "B03", "B04", "B08", "B11", "B12", "NDVI", "NDWI", "NORM"}

func defaults() map[string]any {
	return map[string]any{
		"aoi.name":           "cropmap",
		"aoi.tile_size_m":    defaultTileSizeM,
		"aoi.buffer_m":       0.0,
		"aoi.label_field":    "crop_id",
		"aoi.field_id_field": "field_id",

		"imagery.start_date":          "2017-04-01",
		"imagery.end_date":            "2017-11-30",
		"imagery.interval_days":       5,
		"imagery.resolution_m":        defaultResolutionM,
		"imagery.max_image_px":        defaultMaxImagePx,
		"imagery.min_valid_coverage":  0.8,
		"imagery.max_concurrent":      4,
		"imagery.requests_per_minute": 60,
		"imagery.retries":             5,
		"imagery.retry_wait":          "5s",

		"dataset.name":                 "cropmap",
		"dataset.chip_size":            defaultChipSize,
		"dataset.chip_stride":          defaultChipSize,
		"dataset.min_labeled_fraction": 0.1,
		"dataset.resample_days":        15,
		"dataset.features":             DefaultFeatures,
		"dataset.augment_flips":        true,
		"dataset.train_ratio":          70,
		"dataset.validation_ratio":     15,
		"dataset.seed":                 42,

		"training.architecture":         "tfcn",
		"training.learning_rate":        1e-4,
		"training.n_classes":            10,
		"training.loss":                 "focal_loss",
		"training.metrics":              []string{"accuracy", "iou"},
		"training.epochs":               defaultEpochs,
		"training.iterations_per_epoch": 50,
		"training.batch_size":           8,
		"training.n_layers":             3,
		"training.features_root":        16,
		"training.keep_prob":            0.8,
		"training.timeout":              "4h",

		"log.level":  "info",
		"log.format": "text",
	}
}
