package task

import (
	"strings"
	"time"
)

// Priority is the declared priority label of an inbound task.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Tier returns the base priority score for the label.
// Unknown or empty labels score as normal.
func (p Priority) Tier() int {
	switch Priority(strings.ToLower(string(p))) {
	case PriorityUrgent:
		return 100
	case PriorityHigh:
		return 50
	case PriorityLow:
		return 10
	default:
		return 25
	}
}

// Email is the payload of an email-shaped task.
type Email struct {
	From    string   `json:"from" yaml:"from"`
	To      []string `json:"to" yaml:"to"`
	Cc      []string `json:"cc,omitempty" yaml:"cc,omitempty"`
	Subject string   `json:"subject" yaml:"subject"`
	Body    string   `json:"body" yaml:"body"`
}

// Recipients returns To and Cc addresses in order.
func (e *Email) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

// Task is a unit of work flowing through the engine.
type Task struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`     // Type tag matched against agent capabilities
	Payload    any            `json:"payload"`  // Usually *Email
	Priority   Priority       `json:"priority"` // Declared label, scored at intake
	Timeout    time.Duration  `json:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Email returns the task payload as an email, if it is one.
func (t *Task) Email() (*Email, bool) {
	switch p := t.Payload.(type) {
	case *Email:
		return p, p != nil
	case Email:
		return &p, true
	default:
		return nil, false
	}
}

// Clone returns a copy of the task with its own slices and metadata map.
// The payload is shared.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ExecutionContext is the per-invocation record threaded through one capability call.
type ExecutionContext struct {
	TaskID    string
	AgentID   string
	StartTime time.Time
	Timeout   time.Duration
	Metadata  map[string]any
}
