package domain

import "time"

// EventType classifies incoming source-host events.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventTag         EventType = "tag"
	EventRelease     EventType = "release"
	EventManual      EventType = "manual"
)

// RuleAction is the outcome a matched rule requests.
type RuleAction string

const (
	ActionDeploy RuleAction = "deploy"
	ActionSkip   RuleAction = "skip"
	ActionNone   RuleAction = "none"
)

// PathConditions narrows a rule by the files an event changed. Exclude wins
// only when it excludes every changed file. With RequireAll set, every
// include pattern must be matched by at least one file; otherwise a single
// file matching any pattern suffices.
type PathConditions struct {
	Include    []string
	Exclude    []string
	RequireAll bool
}

// DeploymentRule is a declarative trigger rule evaluated in priority order
// (descending), ties broken by name ascending for determinism.
type DeploymentRule struct {
	ID        string
	ProjectID string
	ServiceID string
	Name      string
	Priority  int
	Enabled   bool

	Trigger          EventType
	BranchPattern    string
	TagPattern       string
	ExcludePatterns  []string
	PRTargetBranches []string
	PRLabels         []string
	Paths            PathConditions
	// PredicateName selects a named predicate registered at startup. Empty
	// means no custom condition.
	PredicateName string
	RequireApproval bool

	Action      RuleAction
	Strategy    string
	BypassCache bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PullRequestInfo carries the PR dimensions a rule can match on.
type PullRequestInfo struct {
	Number       int
	TargetBranch string
	Labels       []string
}

// TriggerEvent is the restricted context rules (and their predicates) are
// evaluated against.
type TriggerEvent struct {
	Type          EventType
	Branch        string
	Tag           string
	CommitSHA     string
	CommitMessage string
	Author        string
	ChangedFiles  []string
	PullRequest   *PullRequestInfo
	ReceivedAt    time.Time
}
