package trigger

import (
	"context"

	"github.com/stackdock/stackdock/internal/domain"
)

// RuleStats is a read-side aggregation over a project's rule set.
type RuleStats struct {
	Total    int
	Active   int
	Inactive int
	ByEvent  map[domain.EventType]int
	ByAction map[domain.RuleAction]int
}

// Stats aggregates rule counts for a project. Pure read; no independent
// state.
func (e *Engine) Stats(ctx context.Context, projectID string) (RuleStats, error) {
	rules, err := e.rules.ListRulesByProject(ctx, projectID, false)
	if err != nil {
		return RuleStats{}, err
	}
	stats := RuleStats{
		ByEvent:  make(map[domain.EventType]int),
		ByAction: make(map[domain.RuleAction]int),
	}
	for _, rule := range rules {
		stats.Total++
		if rule.Enabled {
			stats.Active++
		} else {
			stats.Inactive++
		}
		stats.ByEvent[rule.Trigger]++
		stats.ByAction[rule.Action]++
	}
	return stats, nil
}
