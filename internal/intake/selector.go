package intake

import (
	"fmt"

	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// PipelineSelector chooses the pipeline a task runs through. available is
// the registry's pipeline IDs in registration order.
type PipelineSelector interface {
	Select(rc *pipeline.RunContext, available []string) (string, error)
}

// FirstRegistered always picks the earliest registered pipeline.
type FirstRegistered struct{}

func (FirstRegistered) Select(_ *pipeline.RunContext, available []string) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("%w: no pipelines registered", task.ErrNotFound)
	}
	return available[0], nil
}

// ClassificationSelector routes by the run context's classification. An
// unrouted or unavailable classification falls back to Fallback, then to the
// first registered pipeline.
type ClassificationSelector struct {
	Routes   map[string]string // classification -> pipeline ID
	Fallback string
}

func (s ClassificationSelector) Select(rc *pipeline.RunContext, available []string) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("%w: no pipelines registered", task.ErrNotFound)
	}
	has := func(id string) bool {
		for _, a := range available {
			if a == id {
				return true
			}
		}
		return false
	}

	if rc != nil {
		if id, ok := s.Routes[rc.Classification]; ok && has(id) {
			return id, nil
		}
	}
	if s.Fallback != "" && has(s.Fallback) {
		return s.Fallback, nil
	}
	return available[0], nil
}
