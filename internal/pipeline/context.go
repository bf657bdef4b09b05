package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/aristath/triage/internal/agent"
	"github.com/aristath/triage/internal/task"
)

// RunContext is the enriched input of one pipeline execution. Stage results
// accumulate in it so later gates can see them.
type RunContext struct {
	Task           *task.Task
	Classification string
	Metadata       map[string]any

	mu      sync.RWMutex
	results map[string]*agent.Result // agent type -> latest successful result
}

// NewRunContext wraps t with empty metadata.
func NewRunContext(t *task.Task) *RunContext {
	return &RunContext{
		Task:     t,
		Metadata: make(map[string]any),
		results:  make(map[string]*agent.Result),
	}
}

// Result returns the successful result recorded for agentType.
func (rc *RunContext) Result(agentType string) (*agent.Result, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	r, ok := rc.results[agentType]
	return r, ok
}

// Results returns a copy of the accumulated results.
func (rc *RunContext) Results() map[string]*agent.Result {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]*agent.Result, len(rc.results))
	for k, v := range rc.results {
		out[k] = v
	}
	return out
}

func (rc *RunContext) merge(agentType string, r *agent.Result) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.results == nil {
		rc.results = make(map[string]*agent.Result)
	}
	rc.results[agentType] = r
}

// Condition gates a stage on the running context.
type Condition func(rc *RunContext) bool

// ParseCondition compiles a gate expression:
//
//	result:<type>        a result for <type> exists
//	meta:<key>=<value>   metadata value formats to <value>
//	class:<name>         classification equals <name>
//
// A leading "!" negates. An empty expression yields a nil Condition.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	if strings.HasPrefix(expr, "!") {
		inner, err := ParseCondition(expr[1:])
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, fmt.Errorf("%w: empty negated condition", task.ErrValidation)
		}
		return func(rc *RunContext) bool { return !inner(rc) }, nil
	}

	kind, arg, ok := strings.Cut(expr, ":")
	if !ok || arg == "" {
		return nil, fmt.Errorf("%w: malformed condition %q", task.ErrValidation, expr)
	}

	switch kind {
	case "result":
		return func(rc *RunContext) bool {
			_, ok := rc.Result(arg)
			return ok
		}, nil
	case "meta":
		key, want, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: meta condition %q needs key=value", task.ErrValidation, expr)
		}
		return func(rc *RunContext) bool {
			v, ok := rc.Metadata[key]
			return ok && fmt.Sprint(v) == want
		}, nil
	case "class":
		return func(rc *RunContext) bool { return rc.Classification == arg }, nil
	default:
		return nil, fmt.Errorf("%w: unknown condition kind %q", task.ErrValidation, kind)
	}
}
