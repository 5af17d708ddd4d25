package delivery

import (
	"path/filepath"

	"github.com/forest-guardian/cropmap/internal/properties"
)

// Layout places every artefact of the pipeline under one data directory.
type Layout struct {
	Root string
}

// DefaultLayout is $ROOT_PATH/data.
func DefaultLayout() Layout {
	return Layout{Root: properties.DataPath()}
}

// LabelsDir holds the label files offered by the interactive menu.
func (l Layout) LabelsDir() string {
	return filepath.Join(l.Root, "labels")
}

func (l Layout) AOIDir() string {
	return filepath.Join(l.Root, "aoi")
}

func (l Layout) ImageDir() string {
	return filepath.Join(l.Root, "images")
}

func (l Layout) CacheDir() string {
	return filepath.Join(l.Root, "cache")
}

func (l Layout) PatchDir() string {
	return filepath.Join(l.Root, "patches")
}

func (l Layout) DatasetDir(name string) string {
	return filepath.Join(l.Root, "dataset", name)
}

func (l Layout) ModelDir(runID string) string {
	return filepath.Join(l.Root, "model", runID)
}

func (l Layout) ResultDir(runID string) string {
	return filepath.Join(l.Root, "result", runID)
}

func (l Layout) RegistryPath() string {
	return filepath.Join(l.Root, "registry.db")
}

// WorkflowGraphPath holds the DOT graph of the last pipeline run.
func (l Layout) WorkflowGraphPath() string {
	return filepath.Join(l.Root, "pipeline.gv")
}
