package orchestrator

import (
	"sort"

	"github.com/ansible/rulebook-orchestrator/internal/eda"
)

// coalesce applies spec.md §4.4's coalescing rules to a worker queue's
// pending requests, grouped per activation so a DELETE from one
// activation never drops another activation's requests:
//
//   - if the oldest request for an activation is DELETE, every later
//     request for that activation is dropped;
//   - a run of adjacent START-class requests (START or AUTO_START)
//     collapses to its first member;
//   - a STOP followed by a START is left untouched (a valid explicit
//     restart sequence).
//
// The AUTO_START "must not execute if disabled since scheduled" rule is
// checked at execution time in queueWorker.process, since it depends on
// the activation's live state rather than the request list's shape.
func coalesce(reqs []*eda.ActivationRequest) []*eda.ActivationRequest {
	var order []string
	byActivation := make(map[string][]*eda.ActivationRequest)
	for _, r := range reqs {
		if _, seen := byActivation[r.ParentID]; !seen {
			order = append(order, r.ParentID)
		}
		byActivation[r.ParentID] = append(byActivation[r.ParentID], r)
	}

	var out []*eda.ActivationRequest
	for _, id := range order {
		group := byActivation[id]
		if len(group) == 0 {
			continue
		}
		if group[0].Kind == eda.RequestDelete {
			out = append(out, group[0])
			continue
		}

		var kept []*eda.ActivationRequest
		for _, r := range group {
			if isStartClass(r.Kind) && len(kept) > 0 && isStartClass(kept[len(kept)-1].Kind) {
				continue
			}
			kept = append(kept, r)
		}
		out = append(out, kept...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	return out
}

func isStartClass(k eda.RequestKind) bool {
	return k == eda.RequestStart || k == eda.RequestAutoStart
}
