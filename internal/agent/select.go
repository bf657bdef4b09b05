package agent

import "sort"

// rank orders candidates best-first: priority descending, then success rate
// descending, then average processing time ascending, then registration order.
func rank(entries []*entry) []*entry {
	type scored struct {
		e   *entry
		d   Descriptor
		met Metrics
	}
	list := make([]scored, len(entries))
	for i, e := range entries {
		list[i] = scored{e: e, d: e.agent.Descriptor(), met: e.agent.Metrics()}
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.d.Priority != b.d.Priority {
			return a.d.Priority > b.d.Priority
		}
		if a.met.SuccessRate != b.met.SuccessRate {
			return a.met.SuccessRate > b.met.SuccessRate
		}
		if a.met.AverageProcessingTime != b.met.AverageProcessingTime {
			return a.met.AverageProcessingTime < b.met.AverageProcessingTime
		}
		return a.e.seq < b.e.seq
	})

	out := make([]*entry, len(list))
	for i, s := range list {
		out[i] = s.e
	}
	return out
}
