package intake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/triage/internal/pipeline"
	"github.com/aristath/triage/internal/task"
)

func TestScorer_Score(t *testing.T) {
	s := NewScorer(nil)

	tests := []struct {
		name string
		task *task.Task
		want int
	}{
		{
			name: "tier only",
			task: mail("a", task.PriorityHigh),
			want: 50,
		},
		{
			name: "unknown priority scores as normal",
			task: &task.Task{Priority: "whenever"},
			want: 25,
		},
		{
			name: "keywords counted once each",
			task: &task.Task{Priority: task.PriorityLow, Payload: &task.Email{
				From:    "a@x.org",
				To:      []string{"b@y.org"},
				Subject: "URGENT: urgent",
				Body:    "please reply asap",
			}},
			want: 10 + 2*KeywordBonus,
		},
		{
			name: "shared domain",
			task: &task.Task{Priority: task.PriorityNormal, Payload: &task.Email{
				From: "Alice <alice@Example.com>",
				To:   []string{"ops@other.net"},
				Cc:   []string{"bob@example.com"},
			}},
			want: 25 + DomainBonus,
		},
		{
			name: "non email payload",
			task: &task.Task{Priority: task.PriorityUrgent, Payload: "urgent"},
			want: 100,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Score(tt.task))
		})
	}
}

func TestScorer_CustomKeywords(t *testing.T) {
	s := NewScorer([]string{" Refund ", "refund", ""})
	tk := &task.Task{Priority: task.PriorityNormal, Payload: task.Email{Subject: "Refund please", Body: "urgent"}}
	assert.Equal(t, 25+KeywordBonus, s.Score(tk))
}

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "example.com", domainOf("a@EXAMPLE.com"))
	assert.Equal(t, "example.com", domainOf("A B <a@example.com>"))
	assert.Equal(t, "", domainOf("nobody"))
	assert.Equal(t, "", domainOf("trailing@"))
}

func TestSelectors(t *testing.T) {
	rc := &pipeline.RunContext{Classification: "billing"}

	_, err := FirstRegistered{}.Select(rc, nil)
	assert.ErrorIs(t, err, task.ErrNotFound)

	id, err := FirstRegistered{}.Select(rc, []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	sel := ClassificationSelector{Routes: map[string]string{"billing": "p2", "spam": "gone"}, Fallback: "p3"}
	id, err = sel.Select(rc, []string{"p1", "p2", "p3"})
	require.NoError(t, err)
	assert.Equal(t, "p2", id)

	id, err = sel.Select(&pipeline.RunContext{Classification: "spam"}, []string{"p1", "p3"})
	require.NoError(t, err)
	assert.Equal(t, "p3", id, "unavailable route falls back")

	id, err = ClassificationSelector{}.Select(rc, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	_, err = sel.Select(rc, nil)
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestEmailContextBuilder(t *testing.T) {
	b := EmailContextBuilder{}
	ctx := context.Background()

	_, err := b.Build(ctx, nil)
	assert.Error(t, err)
	_, err = b.Build(ctx, &task.Task{ID: "x"})
	assert.Error(t, err)

	tk := mail("t1", task.PriorityNormal)
	tk.Type = "support"
	tk.Metadata = map[string]any{"tenant": "acme"}
	rc, err := b.Build(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, "support", rc.Classification)
	assert.Equal(t, "acme", rc.Metadata["tenant"])
	assert.Equal(t, "outside.org", rc.Metadata[MetaSenderDomain])
	assert.Equal(t, 1, rc.Metadata[MetaRecipients])

	tk.Metadata[MetaClassification] = "billing"
	rc, err = b.Build(ctx, tk)
	require.NoError(t, err)
	assert.Equal(t, "billing", rc.Classification)
}
