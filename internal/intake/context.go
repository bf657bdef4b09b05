package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

// Metadata keys set by EmailContextBuilder.
const (
	MetaClassification = "classification"
	MetaSenderDomain   = "sender_domain"
	MetaRecipients     = "recipient_count"
	MetaScore          = "priority_score"
	MetaAttempt        = "attempt"
)

// ContextBuilder enriches a raw task into the context a pipeline runs against.
type ContextBuilder interface {
	Build(ctx context.Context, t *task.Task) (*pipeline.RunContext, error)
}

// ContextBuilderFunc adapts a function to ContextBuilder.
type ContextBuilderFunc func(ctx context.Context, t *task.Task) (*pipeline.RunContext, error)

func (f ContextBuilderFunc) Build(ctx context.Context, t *task.Task) (*pipeline.RunContext, error) {
	return f(ctx, t)
}

// EmailContextBuilder copies task metadata into the run context, adds
// sender and recipient facts for email payloads, and classifies the task by
// its "classification" metadata or, failing that, its type.
type EmailContextBuilder struct{}

func (EmailContextBuilder) Build(ctx context.Context, t *task.Task) (*pipeline.RunContext, error) {
	if t == nil {
		return nil, errors.New("nil task")
	}
	if t.Payload == nil {
		return nil, fmt.Errorf("task %q has no payload", t.ID)
	}

	rc := pipeline.NewRunContext(t)
	for k, v := range t.Metadata {
		rc.Metadata[k] = v
	}

	rc.Classification = t.Type
	if c, ok := t.Metadata[MetaClassification].(string); ok && c != "" {
		rc.Classification = c
	}

	if email, ok := t.Email(); ok {
		rc.Metadata[MetaSenderDomain] = domainOf(email.From)
		rc.Metadata[MetaRecipients] = len(email.Recipients())
	}
	return rc, nil
}
