package pipeline

import (
	"time"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/task"
)

// ProcessingResult is the aggregated outcome of one pipeline execution.
type ProcessingResult struct {
	TaskID      string
	PipelineID  string
	ExecutionID string

	Confidence float64  // Weighted mean over successful results
	Tags       []string // Union in first-seen order
	Actions    []string // Union in first-seen order
	Data       map[string]map[string]any

	StageResults    map[string]map[string]*agent.Result
	CompletedStages []string
	FailedStages    []string
	SkippedStages   []string
	Errors          []*task.StageError

	Duration    time.Duration
	CompletedAt time.Time
}

// aggregate folds the execution's results in stage order, then in each
// stage's declared agent type order.
func aggregate(cfg Config, exec *Execution) *ProcessingResult {
	byStage := exec.Results()
	pr := &ProcessingResult{
		TaskID:          exec.TaskID,
		PipelineID:      cfg.ID,
		ExecutionID:     exec.ID,
		Data:            make(map[string]map[string]any),
		StageResults:    byStage,
		CompletedStages: exec.CompletedStages(),
		FailedStages:    exec.FailedStages(),
		SkippedStages:   exec.SkippedStages(),
		Errors:          exec.Errors(),
		Duration:        exec.Duration(),
		CompletedAt:     exec.EndedAt(),
	}

	var sum, weights float64
	seenTag := make(map[string]bool)
	seenAction := make(map[string]bool)

	for _, stage := range cfg.Stages {
		results := byStage[stage.ID]
		for _, typ := range stage.AgentTypes {
			r, ok := results[typ]
			if !ok || r == nil || !r.Success {
				continue
			}
			if w := weightFor(cfg.Weights, typ); w > 0 {
				sum += r.Confidence * w
				weights += w
			}
			for _, tag := range r.Tags {
				if !seenTag[tag] {
					seenTag[tag] = true
					pr.Tags = append(pr.Tags, tag)
				}
			}
			for _, act := range r.Actions {
				if !seenAction[act] {
					seenAction[act] = true
					pr.Actions = append(pr.Actions, act)
				}
			}
			if r.Data != nil {
				pr.Data[typ] = r.Data
			}
		}
	}
	if weights > 0 {
		pr.Confidence = sum / weights
	}
	return pr
}

func weightFor(weights map[string]float64, agentType string) float64 {
	if w, ok := weights[agentType]; ok {
		return w
	}
	return 1
}
