package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordStage(name string, log *[]string, err error, after ...string) Stage {
	return Stage{Name: name, After: after, Run: func(context.Context, *PipelineResult) error {
		*log = append(*log, name)
		return err
	}}
}

func TestWorkflow_Order(t *testing.T) {
	var log []string
	w, err := NewWorkflow([]Stage{
		recordStage("evaluate", &log, nil, "train"),
		recordStage("train", &log, nil, "dataset"),
		recordStage("dataset", &log, nil, "patches"),
		recordStage("patches", &log, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"patches", "dataset", "train", "evaluate"}, w.Order())

	traces, err := w.Execute(context.Background(), &PipelineResult{})
	require.NoError(t, err)
	assert.Equal(t, w.Order(), log)
	assert.Len(t, traces, 4)
}

func TestWorkflow_StopsAtFailure(t *testing.T) {
	var log []string
	w, err := NewWorkflow([]Stage{
		recordStage("a", &log, nil),
		recordStage("b", &log, errors.New("boom"), "a"),
		recordStage("c", &log, nil, "b"),
	})
	require.NoError(t, err)

	traces, err := w.Execute(context.Background(), &PipelineResult{})
	require.Error(t, err)
	assert.Equal(t, "b: boom", err.Error())
	assert.Equal(t, []string{"a", "b"}, log)
	require.Len(t, traces, 3)
	assert.Equal(t, []StageStatus{StageDone, StageFailed, StageSkipped},
		[]StageStatus{traces[0].Status, traces[1].Status, traces[2].Status})

	path := filepath.Join(t.TempDir(), "graph", "pipeline.gv")
	require.NoError(t, w.WriteDOT(path, traces))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	dot := string(data)
	assert.Contains(t, dot, `"a" -> "b"`)
	assert.Equal(t, 3, strings.Count(dot, "fillcolor"))
}

func TestWorkflow_Invalid(t *testing.T) {
	var log []string
	_, err := NewWorkflow([]Stage{recordStage("a", &log, nil, "missing")})
	assert.ErrorContains(t, err, "missing")

	_, err = NewWorkflow([]Stage{
		recordStage("a", &log, nil, "b"),
		recordStage("b", &log, nil, "a"),
	})
	assert.Error(t, err)

	_, err = NewWorkflow([]Stage{recordStage("a", &log, nil), recordStage("a", &log, nil)})
	assert.Error(t, err)
}

func TestWorkflow_Cancelled(t *testing.T) {
	var log []string
	w, err := NewWorkflow([]Stage{recordStage("a", &log, nil)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	traces, err := w.Execute(ctx, &PipelineResult{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, log)
	assert.Equal(t, StageSkipped, traces[0].Status)
}

func TestPipelineStages(t *testing.T) {
	p := &Pipeline{}
	w, err := NewWorkflow(p.Stages("labels.geojson"))
	require.NoError(t, err)
	assert.Equal(t, []string{StageAOI, StagePatches, StageDataset, StageTraining, StageEval}, w.Order())
}
