package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/forest-guardian/cropmap/internal/cache"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/evaluation"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/notification"
	"github.com/forest-guardian/cropmap/internal/patch"
	"github.com/forest-guardian/cropmap/internal/properties"
	"github.com/forest-guardian/cropmap/internal/raster/gtiff"
	"github.com/forest-guardian/cropmap/internal/registry"
	"github.com/forest-guardian/cropmap/internal/sentinel"
)

// Pipeline runs the five stages in order: AOI preparation, patch
// acquisition, dataset materialization, training and evaluation.
type Pipeline struct {
	Config   *config.Config
	Layout   Layout
	Acquirer TileAcquirer
	Codec    patch.GridCodec
	Trainer  Trainer
	Runs     RunStore
	Notifier Notifier

	// acquirerErr explains a nil Acquirer.
	acquirerErr error
	closers     []func() error
}

type PipelineResult struct {
	AOI     *AOIResult
	Patches []string
	Dataset *dataset.Summary
	RunID   string
	Train   *ml.TrainResult
	Report  *evaluation.Report
	Trace   []StageTrace
}

// NewPipeline wires the production dependencies: the Sentinel Hub client
// with the GDAL codec, the trainer at TRAINER_ADDRESS, the sqlite registry
// and the Discord notifier. Missing Copernicus credentials only fail the
// acquisition stage, so the later stages can run on existing patches.
func NewPipeline(cfg *config.Config) (*Pipeline, error) {
	layout := DefaultLayout()
	if err := os.MkdirAll(layout.Root, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create data folder: %w", err)
	}

	p := &Pipeline{
		Config:   cfg,
		Layout:   layout,
		Codec:    gtiff.Codec{},
		Notifier: notification.NewDiscord(),
	}
	p.Acquirer, p.acquirerErr = newSentinelAcquirer(cfg, layout)

	trainer, err := ml.NewTrainerClient(properties.TrainerAddress())
	if err != nil {
		return nil, err
	}
	p.Trainer = trainer
	p.closers = append(p.closers, trainer.Close)

	reg, err := registry.Open(layout.RegistryPath())
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Runs = reg
	p.closers = append(p.closers, reg.Close)
	return p, nil
}

func newSentinelAcquirer(cfg *config.Config, layout Layout) (TileAcquirer, error) {
	credentials, err := sentinel.CredentialsFromEnv()
	if err != nil {
		return nil, err
	}
	client, err := sentinel.NewClient(sentinel.ClientConfig{
		ProcessURL:        properties.CopernicusProcessURL(),
		TokenURL:          properties.CopernicusTokenURL(),
		Credentials:       credentials,
		Retries:           cfg.Imagery.Retries,
		RetryWait:         cfg.Imagery.RetryWait,
		RequestsPerMinute: cfg.Imagery.RequestsPerMinute,
		ResolutionM:       cfg.Imagery.ResolutionM,
		MaxImagePx:        cfg.Imagery.MaxImagePx,
	})
	if err != nil {
		return nil, err
	}
	invalid := cache.NewFileCacheAt[[]string](layout.CacheDir())
	return sentinel.NewAcquirer(client, gtiff.Codec{}, layout.ImageDir(), invalid), nil
}

func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}

func (p *Pipeline) PrepareAOI(ctx context.Context, labelsPath string) (*AOIResult, error) {
	return PrepareAOI(ctx, p.Config, labelsPath, p.Layout)
}

func (p *Pipeline) AcquirePatches(ctx context.Context, res *AOIResult) ([]string, error) {
	if p.Acquirer == nil {
		return nil, fmt.Errorf("imagery is unavailable: %w", p.acquirerErr)
	}
	return AcquirePatches(ctx, p.Config, p.Acquirer, p.Codec, res.Labels, res.Tiles, p.Layout, p.Notifier)
}

func (p *Pipeline) MaterializeDataset(ctx context.Context, patchDirs []string) (*dataset.Summary, error) {
	return MaterializeDataset(ctx, p.Config, p.Codec, patchDirs, p.Layout)
}

func (p *Pipeline) TrainModel(ctx context.Context, summary *dataset.Summary) (string, *ml.TrainResult, error) {
	return TrainModel(ctx, p.Config, p.Trainer, p.Runs, summary, p.Layout)
}

func (p *Pipeline) EvaluateModel(ctx context.Context, runID string) (*evaluation.Report, error) {
	return EvaluateModel(ctx, p.Config, p.Trainer, p.Runs, p.Codec, runID, p.Layout)
}

// Run executes every stage for the labels at labelsPath. The outcome is
// sent to the notifier; a failure names the stage it happened in. The stage
// graph with each stage's status is written to Layout.WorkflowGraphPath.
func (p *Pipeline) Run(ctx context.Context, labelsPath string) (*PipelineResult, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	workflow, err := NewWorkflow(p.Stages(labelsPath))
	if err != nil {
		return nil, err
	}
	result := &PipelineResult{}
	result.Trace, err = workflow.Execute(ctx, result)
	if dotErr := workflow.WriteDOT(p.Layout.WorkflowGraphPath(), result.Trace); dotErr != nil {
		logger.Warn("failed to write workflow graph", slog.Any("error", dotErr))
	}
	if err != nil {
		p.notify(ctx, Notifier.Error, fmt.Sprintf("Crop map pipeline failed for %s\n\n%s", labelsPath, err.Error()))
		return result, err
	}
	logger.Info("pipeline completed", slog.String("run", result.RunID), slog.Duration("elapsed", time.Since(start)))
	p.notify(ctx, Notifier.Success, "Crop map pipeline completed\n\n"+FormatReport(result.RunID, result.Report))
	return result, nil
}

// Stages are the five pipeline stages for the labels at labelsPath.
func (p *Pipeline) Stages(labelsPath string) []Stage {
	return []Stage{
		{Name: StageAOI, Run: func(ctx context.Context, r *PipelineResult) (err error) {
			r.AOI, err = p.PrepareAOI(ctx, labelsPath)
			return err
		}},
		{Name: StagePatches, After: []string{StageAOI}, Run: func(ctx context.Context, r *PipelineResult) (err error) {
			r.Patches, err = p.AcquirePatches(ctx, r.AOI)
			return err
		}},
		{Name: StageDataset, After: []string{StagePatches}, Run: func(ctx context.Context, r *PipelineResult) (err error) {
			r.Dataset, err = p.MaterializeDataset(ctx, r.Patches)
			return err
		}},
		{Name: StageTraining, After: []string{StageDataset}, Run: func(ctx context.Context, r *PipelineResult) (err error) {
			r.RunID, r.Train, err = p.TrainModel(ctx, r.Dataset)
			return err
		}},
		{Name: StageEval, After: []string{StageTraining}, Run: func(ctx context.Context, r *PipelineResult) (err error) {
			r.Report, err = p.EvaluateModel(ctx, r.RunID)
			return err
		}},
	}
}

func (p *Pipeline) notify(ctx context.Context, send func(Notifier, string) error, message string) {
	if p.Notifier == nil {
		return
	}
	if err := send(p.Notifier, message); err != nil {
		logging.FromContext(ctx).Warn("failed to send notification", slog.Any("error", err))
	}
}

// RunPipeline runs the whole workflow with the production dependencies.
func RunPipeline(ctx context.Context, cfg *config.Config, labelsPath string) (*PipelineResult, error) {
	p, err := NewPipeline(cfg)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.Run(ctx, labelsPath)
}
