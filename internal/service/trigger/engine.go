// Package trigger implements the prioritized rule matching engine deciding
// whether and how an incoming event should deploy.
package trigger

import (
	"context"
	"fmt"
	"strings"

	"log/slog"

	"github.com/stackdock/stackdock/internal/domain"
	"github.com/stackdock/stackdock/internal/repository"
)

// MatchResult reports the first fully matching rule, or why nothing matched.
type MatchResult struct {
	Matched bool
	Rule    *domain.DeploymentRule
	// Reason is the human-readable explanation: a trail of satisfied
	// dimensions on a match, or the first failing dimension otherwise.
	Reason string
	Trail  []string
}

// Engine evaluates trigger rules in priority order.
type Engine struct {
	rules      repository.RuleRepository
	predicates *PredicateRegistry
	logger     *slog.Logger
}

// New returns a rule engine.
func New(rules repository.RuleRepository, predicates *PredicateRegistry, logger *slog.Logger) *Engine {
	if predicates == nil {
		predicates = NewPredicateRegistry()
	}
	return &Engine{rules: rules, predicates: predicates, logger: logger}
}

// MatchRules returns the first active rule that matches every configured
// dimension of the event. Rules arrive from the repository ordered by
// priority descending with name ascending as the tie-break.
func (e *Engine) MatchRules(ctx context.Context, projectID string, event domain.TriggerEvent) (MatchResult, error) {
	rules, err := e.rules.ListRulesByProject(ctx, projectID, true)
	if err != nil {
		return MatchResult{}, fmt.Errorf("list rules: %w", err)
	}

	for i := range rules {
		rule := &rules[i]
		trail, reason := e.evaluate(rule, event)
		if reason != "" {
			e.logger.Debug("rule skipped", "rule", rule.Name, "reason", reason)
			continue
		}
		e.logger.Info("rule matched", "project_id", projectID, "rule", rule.Name, "action", rule.Action)
		return MatchResult{
			Matched: true,
			Rule:    rule,
			Reason:  strings.Join(trail, "; "),
			Trail:   trail,
		}, nil
	}
	return MatchResult{Reason: fmt.Sprintf("no active rule matched %s event", event.Type)}, nil
}

// evaluate returns the satisfied-dimension trail, or a non-empty reason at
// the first failing dimension.
func (e *Engine) evaluate(rule *domain.DeploymentRule, event domain.TriggerEvent) (trail []string, failReason string) {
	if rule.Trigger != event.Type {
		return nil, fmt.Sprintf("trigger %s does not match event %s", rule.Trigger, event.Type)
	}
	trail = append(trail, "trigger "+string(rule.Trigger))

	if rule.BranchPattern != "" {
		if !MatchPattern(event.Branch, rule.BranchPattern) {
			return nil, fmt.Sprintf("branch %q does not match pattern %q", event.Branch, rule.BranchPattern)
		}
		trail = append(trail, fmt.Sprintf("branch %q matches %q", event.Branch, rule.BranchPattern))
	}
	if rule.TagPattern != "" {
		if !MatchPattern(event.Tag, rule.TagPattern) {
			return nil, fmt.Sprintf("tag %q does not match pattern %q", event.Tag, rule.TagPattern)
		}
		trail = append(trail, fmt.Sprintf("tag %q matches %q", event.Tag, rule.TagPattern))
	}
	if len(rule.ExcludePatterns) > 0 {
		ref := event.Branch
		if ref == "" {
			ref = event.Tag
		}
		if matchAny(ref, rule.ExcludePatterns) {
			return nil, fmt.Sprintf("ref %q matches an exclude pattern", ref)
		}
		trail = append(trail, "no exclude pattern matched")
	}

	if len(rule.PRTargetBranches) > 0 {
		if event.PullRequest == nil {
			return nil, "rule requires a pull request"
		}
		if !matchAny(event.PullRequest.TargetBranch, rule.PRTargetBranches) {
			return nil, fmt.Sprintf("PR target %q not in allowed targets", event.PullRequest.TargetBranch)
		}
		trail = append(trail, "PR target branch allowed")
	}
	if len(rule.PRLabels) > 0 {
		if event.PullRequest == nil {
			return nil, "rule requires a pull request"
		}
		if missing := missingLabels(rule.PRLabels, event.PullRequest.Labels); len(missing) > 0 {
			return nil, fmt.Sprintf("PR missing required labels: %s", strings.Join(missing, ", "))
		}
		trail = append(trail, "PR labels present")
	}

	if ok, reason := matchPaths(rule.Paths, event.ChangedFiles); !ok {
		return nil, reason
	} else if reason != "" {
		trail = append(trail, reason)
	}

	if rule.PredicateName != "" {
		predicate := e.predicates.Get(rule.PredicateName)
		if predicate == nil {
			return nil, fmt.Sprintf("unknown predicate %q", rule.PredicateName)
		}
		if !predicate(event) {
			return nil, fmt.Sprintf("predicate %q evaluated false", rule.PredicateName)
		}
		trail = append(trail, fmt.Sprintf("predicate %q satisfied", rule.PredicateName))
	}

	return trail, ""
}

// matchPaths applies path include/exclude conditions to the changed files.
// Exclude short-circuits the rule only when it excludes every changed file.
// Include requires all patterns matched by at least one file when RequireAll
// is set, otherwise at least one file matching any pattern.
func matchPaths(conditions domain.PathConditions, changedFiles []string) (bool, string) {
	if len(conditions.Include) == 0 && len(conditions.Exclude) == 0 {
		return true, ""
	}
	if len(changedFiles) == 0 {
		// No file information; path conditions cannot veto the rule.
		return true, "no changed-file information, path conditions not applied"
	}

	if len(conditions.Exclude) > 0 {
		excludedAll := true
		for _, file := range changedFiles {
			if !matchAny(file, conditions.Exclude) {
				excludedAll = false
				break
			}
		}
		if excludedAll {
			return false, "every changed file matches an exclude path"
		}
	}

	if len(conditions.Include) > 0 {
		if conditions.RequireAll {
			for _, pattern := range conditions.Include {
				matched := false
				for _, file := range changedFiles {
					if MatchPattern(file, pattern) {
						matched = true
						break
					}
				}
				if !matched {
					return false, fmt.Sprintf("no changed file matches required path %q", pattern)
				}
			}
			return true, "all required paths touched"
		}
		for _, file := range changedFiles {
			if matchAny(file, conditions.Include) {
				return true, "changed files match include paths"
			}
		}
		return false, "no changed file matches include paths"
	}

	return true, "changed files survive exclude paths"
}

func missingLabels(required, present []string) []string {
	set := make(map[string]struct{}, len(present))
	for _, label := range present {
		set[strings.ToLower(label)] = struct{}{}
	}
	missing := make([]string, 0)
	for _, label := range required {
		if _, ok := set[strings.ToLower(label)]; !ok {
			missing = append(missing, label)
		}
	}
	return missing
}
