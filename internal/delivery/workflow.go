package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/forest-guardian/cropmap/internal/logging"
	"gopkg.in/go-playground/colors.v1"
)

const (
	StageAOI      = "aoi preparation"
	StagePatches  = "patch acquisition"
	StageDataset  = "dataset materialization"
	StageTraining = "training"
	StageEval     = "evaluation"
)

// Stage is one step of a workflow. It reads the outputs of the stages named
// in After from the shared result and writes its own.
type Stage struct {
	Name  string
	After []string
	Run   func(ctx context.Context, result *PipelineResult) error
}

type StageStatus string

const (
	StageDone    StageStatus = "done"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

type StageTrace struct {
	Name    string
	Status  StageStatus
	Elapsed time.Duration
	Err     error
}

// Workflow is a dependency graph of stages, executed in topological order.
type Workflow struct {
	graph graph.Graph[string, Stage]
	order []string
}

func NewWorkflow(stages []Stage) (*Workflow, error) {
	g := graph.New(func(s Stage) string { return s.Name }, graph.Directed(), graph.Acyclic(), graph.PreventCycles())
	for _, s := range stages {
		if err := g.AddVertex(s, graph.VertexAttribute("shape", "box")); err != nil {
			return nil, fmt.Errorf("unable to add stage %s: %w", s.Name, err)
		}
	}
	for _, s := range stages {
		for _, dep := range s.After {
			if err := g.AddEdge(dep, s.Name); err != nil {
				return nil, fmt.Errorf("unable to link stage %s to %s: %w", dep, s.Name, err)
			}
		}
	}
	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("unable to order stages: %w", err)
	}
	return &Workflow{graph: g, order: order}, nil
}

// Order is the execution order of the stage names.
func (w *Workflow) Order() []string {
	return append([]string(nil), w.order...)
}

// Execute runs the stages one after the other and stops at the first
// failure. Stages after it are traced as skipped. The error names the stage.
func (w *Workflow) Execute(ctx context.Context, result *PipelineResult) ([]StageTrace, error) {
	logger := logging.FromContext(ctx)
	traces := make([]StageTrace, 0, len(w.order))
	var failure error
	for _, name := range w.order {
		if failure != nil {
			traces = append(traces, StageTrace{Name: name, Status: StageSkipped})
			continue
		}
		stage, err := w.graph.Vertex(name)
		if err != nil {
			return traces, err
		}
		if err := ctx.Err(); err != nil {
			failure = fmt.Errorf("%s: %w", name, err)
			traces = append(traces, StageTrace{Name: name, Status: StageSkipped, Err: err})
			continue
		}

		logger.Info("stage started", slog.String("stage", name))
		start := time.Now()
		err = stage.Run(ctx, result)
		trace := StageTrace{Name: name, Status: StageDone, Elapsed: time.Since(start), Err: err}
		if err != nil {
			trace.Status = StageFailed
			failure = fmt.Errorf("%s: %w", name, err)
		}
		logger.Info("stage finished", slog.String("stage", name), slog.String("status", string(trace.Status)), slog.Duration("elapsed", trace.Elapsed))
		traces = append(traces, trace)
	}
	return traces, failure
}

var statusColors = map[StageStatus][3]uint8{
	StageDone:    {46, 160, 67},
	StageFailed:  {220, 53, 69},
	StageSkipped: {200, 200, 200},
}

// WriteDOT writes the stage graph as Graphviz DOT, with each traced stage
// filled by its status and labelled with its duration.
func (w *Workflow) WriteDOT(path string, traces []StageTrace) error {
	for _, t := range traces {
		_, props, err := w.graph.VertexWithProperties(t.Name)
		if err != nil {
			return fmt.Errorf("unknown stage %s: %w", t.Name, err)
		}
		rgb := statusColors[t.Status]
		fill, err := colors.RGB(rgb[0], rgb[1], rgb[2])
		if err != nil {
			return fmt.Errorf("unable to get colour: %w", err)
		}
		props.Attributes["style"] = "filled"
		props.Attributes["fillcolor"] = fill.ToHEX().String()
		if t.Status != StageSkipped {
			props.Attributes["xlabel"] = t.Elapsed.Round(time.Millisecond).String()
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create workflow folder: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create file %s: %w", path, err)
	}
	defer file.Close()
	if err := draw.DOT(w.graph, file, draw.GraphAttribute("rankdir", "LR")); err != nil {
		return fmt.Errorf("unable to write workflow graph: %w", err)
	}
	return nil
}
