// Package intake admits tasks, orders them by priority score and dispatches
// them to pipelines under a concurrency cap with exponential-backoff retries.
package intake

import (
	"strings"

	"github.com/aristath/triage/internal/task"
)

// Score bonuses added on top of the priority tier.
const (
	KeywordBonus = 25
	DomainBonus  = 10
)

// DefaultUrgencyKeywords are matched case-insensitively in subject and body.
var DefaultUrgencyKeywords = []string{
	"urgent",
	"asap",
	"immediately",
	"emergency",
	"critical",
	"deadline",
}

// Scorer computes a task's priority score.
type Scorer struct {
	keywords []string
}

// NewScorer returns a scorer for keywords, or the defaults when empty.
func NewScorer(keywords []string) *Scorer {
	if len(keywords) == 0 {
		keywords = DefaultUrgencyKeywords
	}
	seen := make(map[string]bool, len(keywords))
	norm := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		norm = append(norm, k)
	}
	return &Scorer{keywords: norm}
}

// Score is the priority tier plus KeywordBonus per distinct urgency keyword
// present, plus DomainBonus when the sender shares a domain with a recipient.
func (s *Scorer) Score(t *task.Task) int {
	score := t.Priority.Tier()

	email, ok := t.Email()
	if !ok {
		return score
	}

	text := strings.ToLower(email.Subject + "\n" + email.Body)
	for _, k := range s.keywords {
		if strings.Contains(text, k) {
			score += KeywordBonus
		}
	}

	if from := domainOf(email.From); from != "" {
		for _, rcpt := range email.Recipients() {
			if domainOf(rcpt) == from {
				score += DomainBonus
				break
			}
		}
	}
	return score
}

// domainOf extracts the lowercased domain of an address, tolerating
// "Name <user@host>" forms.
func domainOf(addr string) string {
	addr = strings.TrimSpace(addr)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}
