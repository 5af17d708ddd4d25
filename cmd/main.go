package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	"github.com/fatih/color"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/dataset"
	"github.com/forest-guardian/cropmap/internal/delivery"
	"github.com/forest-guardian/cropmap/internal/logging"
	"github.com/forest-guardian/cropmap/internal/ml"
	"github.com/forest-guardian/cropmap/internal/notification"
	"github.com/forest-guardian/cropmap/internal/ui"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

type options struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func loadEnv() {
	// the CLI is started from the repo root, cmd/ or a cmd/ subfolder
	for _, path := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			return
		}
	}
}

func (o *options) setup(cmd *cobra.Command, _ []string) error {
	loadEnv()
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
	return nil
}

// withPipeline wires the production pipeline around fn and closes it after.
func (o *options) withPipeline(fn func(ctx context.Context, p *delivery.Pipeline, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		p, err := delivery.NewPipeline(o.cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		return fn(cmd.Context(), p, args)
	}
}

func newRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:               "cropmap",
		Short:             "Crop type segmentation from Sentinel-2 time series",
		SilenceUsage:      true,
		PersistentPreRunE: o.setup,
		RunE:              o.withPipeline(runMenu),
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", config.DefaultConfigPath, "pipeline configuration file")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		&cobra.Command{
			Use:   "menu",
			Short: "Interactive menu",
			Args:  cobra.NoArgs,
			RunE:  o.withPipeline(runMenu),
		},
		&cobra.Command{
			Use:   "aoi <labels>",
			Short: "Split the labelled fields into tiles",
			Args:  cobra.ExactArgs(1),
			RunE:  o.withPipeline(runAOI),
		},
		&cobra.Command{
			Use:   "download <labels>",
			Short: "Download imagery and build one patch per tile",
			Args:  cobra.ExactArgs(1),
			RunE:  o.withPipeline(runDownload),
		},
		&cobra.Command{
			Use:   "dataset",
			Short: "Cut the saved patches into train, validation and test chips",
			Args:  cobra.NoArgs,
			RunE:  o.withPipeline(runDataset),
		},
		&cobra.Command{
			Use:   "train",
			Short: "Train a model on the configured dataset",
			Args:  cobra.NoArgs,
			RunE:  o.withPipeline(runTrain),
		},
		&cobra.Command{
			Use:   "evaluate [run-id]",
			Short: "Evaluate a run, the latest completed one by default",
			Args:  cobra.MaximumNArgs(1),
			RunE:  o.withPipeline(runEvaluate),
		},
		&cobra.Command{
			Use:   "run <labels>",
			Short: "Run every stage for a label file",
			Args:  cobra.ExactArgs(1),
			RunE:  o.withPipeline(runPipeline),
		},
		&cobra.Command{
			Use:   "runs",
			Short: "List the training runs",
			Args:  cobra.NoArgs,
			RunE:  o.withPipeline(runList),
		},
		newBaselineCommand(),
	)
	return root
}

func runMenu(ctx context.Context, p *delivery.Pipeline, _ []string) error {
	ui.PrintBanner()
	ui.ShowMenu(ctx, p)
	return nil
}

func runAOI(ctx context.Context, p *delivery.Pipeline, args []string) error {
	res, err := p.PrepareAOI(ctx, args[0])
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("%d tiles written to %s", len(res.Tiles), res.TilesPath))
	return nil
}

func runDownload(ctx context.Context, p *delivery.Pipeline, args []string) error {
	res, err := p.PrepareAOI(ctx, args[0])
	if err != nil {
		return err
	}
	dirs, err := p.AcquirePatches(ctx, res)
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("%d of %d patches written to %s", len(dirs), len(res.Tiles), p.Layout.PatchDir()))
	return nil
}

func runDataset(ctx context.Context, p *delivery.Pipeline, _ []string) error {
	summary, err := p.MaterializeDataset(ctx, nil)
	if err != nil {
		return err
	}
	ui.PrintSuccess(delivery.FormatDatasetSummary(summary))
	return nil
}

func runTrain(ctx context.Context, p *delivery.Pipeline, _ []string) error {
	summary, err := dataset.LoadSummary(p.Layout.DatasetDir(p.Config.Dataset.Name))
	if err != nil {
		return err
	}
	runID, result, err := p.TrainModel(ctx, summary)
	if err != nil {
		return err
	}
	ui.PrintSuccess(fmt.Sprintf("Run %s trained in %d epochs\nCheckpoint: %s", runID, len(result.History), result.Checkpoint))
	return nil
}

func runEvaluate(ctx context.Context, p *delivery.Pipeline, args []string) error {
	var runID string
	if len(args) == 1 {
		runID = args[0]
	} else {
		run, err := p.Runs.LatestCompleted(ctx)
		if err != nil {
			return fmt.Errorf("no run to evaluate: %w", err)
		}
		runID = run.ID
	}
	report, err := p.EvaluateModel(ctx, runID)
	if err != nil {
		return err
	}
	ui.PrintSuccess(delivery.FormatReport(runID, report))
	return nil
}

func runPipeline(ctx context.Context, p *delivery.Pipeline, args []string) error {
	result, err := p.Run(ctx, args[0])
	if err != nil {
		return err
	}
	ui.PrintSuccess(delivery.FormatReport(result.RunID, result.Report))
	return nil
}

func runList(ctx context.Context, p *delivery.Pipeline, _ []string) error {
	ui.ListRuns(ctx, p)
	return nil
}

// newBaselineCommand serves the nearest-centroid trainer, so the pipeline
// can run without the deep learning server.
func newBaselineCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Serve the nearest-centroid baseline trainer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := logging.FromContext(ctx)
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return err
			}
			s := grpc.NewServer()
			ml.RegisterSegmentationServer(s, ml.NewBaselineServer())
			go func() {
				<-ctx.Done()
				s.GracefulStop()
			}()
			logger.Info("baseline trainer listening", slog.String("addr", lis.Addr().String()))
			return s.Serve(lis)
		},
	}
	cmd.Flags().IntVar(&port, "port", 50051, "port to listen on")
	return cmd
}

func reportPanic() {
	r := recover()
	if r == nil {
		return
	}
	// 3 levels up is usually the panic source
	pc, file, line, ok := runtime.Caller(3)
	location := "Unknown location"
	if ok {
		location = fmt.Sprintf("%s:%d in %s", file, line, runtime.FuncForPC(pc).Name())
	}

	color.Red("\nPANIC: %v", r)
	color.Red("Location: %s", location)
	color.Red("Exiting...")

	message := fmt.Sprintf("CropMap CLI panic:\n\n%v\n\nLocation: %s\n\nStack trace:\n%s", r, location, debug.Stack())
	if err := notification.SendDiscordErrorNotification(message); err != nil {
		color.Red("Failed to send notification: %s", err.Error())
	}
	os.Exit(2)
}

func main() {
	defer reportPanic()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		color.Red("Error: %s", err.Error())
		stop()
		os.Exit(1)
	}
}
