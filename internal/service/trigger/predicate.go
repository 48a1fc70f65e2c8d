package trigger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stackdock/stackdock/internal/domain"
)

// Predicate is a named boolean condition evaluated against the restricted
// trigger context. Rules select predicates by name; there is no dynamic
// expression evaluation.
type Predicate func(event domain.TriggerEvent) bool

// PredicateRegistry holds the named predicates available to rules. It is
// built once at startup; duplicate names are an error.
type PredicateRegistry struct {
	predicates map[string]Predicate
}

// NewPredicateRegistry returns a registry seeded with the built-in
// predicates.
func NewPredicateRegistry() *PredicateRegistry {
	r := &PredicateRegistry{predicates: make(map[string]Predicate)}
	for name, p := range builtinPredicates {
		r.predicates[name] = p
	}
	return r
}

// Register adds a predicate under name.
func (r *PredicateRegistry) Register(name string, p Predicate) error {
	if strings.TrimSpace(name) == "" || p == nil {
		return fmt.Errorf("predicate registration requires a name and function")
	}
	if _, exists := r.predicates[name]; exists {
		return fmt.Errorf("predicate %q already registered", name)
	}
	r.predicates[name] = p
	return nil
}

// Get returns the predicate for name, or nil on miss.
func (r *PredicateRegistry) Get(name string) Predicate {
	if r == nil {
		return nil
	}
	return r.predicates[name]
}

// Names lists registered predicate names sorted.
func (r *PredicateRegistry) Names() []string {
	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var builtinPredicates = map[string]Predicate{
	"is_merge_commit": func(event domain.TriggerEvent) bool {
		return strings.HasPrefix(event.CommitMessage, "Merge ")
	},
	"has_changed_files": func(event domain.TriggerEvent) bool {
		return len(event.ChangedFiles) > 0
	},
	"is_default_pr_flow": func(event domain.TriggerEvent) bool {
		return event.Type == domain.EventPullRequest && event.PullRequest != nil
	},
	"is_hotfix_branch": func(event domain.TriggerEvent) bool {
		return strings.HasPrefix(event.Branch, "hotfix/")
	},
}
