package models

import (
	"strings"
	"time"
)

// ItemKind distinguishes issues from pull requests.
type ItemKind string

const (
	KindIssue       ItemKind = "issue"
	KindPullRequest ItemKind = "pull_request"
)

// KindFromNodeID derives the item kind from the shape of GitHub's immutable
// node identifier. Issue node IDs start with "I_"; everything else is a pull
// request.
func KindFromNodeID(nodeID string) ItemKind {
	if strings.HasPrefix(nodeID, "I_") {
		return KindIssue
	}
	return KindPullRequest
}

// Lifecycle states shared by items and workflows.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Repository represents a tracked GitHub repository
type Repository struct {
	ID    int64
	URL   string
	Name  string
	Owner string
}

// User represents a person known to the system. GithubUsername, SlackID and
// GithubToken are optional; a user created from an inbound event carries only
// the username until enriched out-of-band.
type User struct {
	ID             int64
	GithubUsername string
	SlackID        string
	GithubToken    string
}

// Item represents a remote issue or pull request tracked locally. NodeID is
// GitHub's immutable node identifier and the idempotency key for all sync
// operations; Number is only unique within a repository.
type Item struct {
	ID           int64
	NodeID       string
	RepositoryID int64
	AuthorID     int64
	Title        string
	Body         string
	Number       int
	State        string
	Kind         ItemKind
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Repository *Repository
	Labels     []Label
	Workflow   *Workflow
}

// Workflow tracks an item's life inside this system, layered on top of the
// remote lifecycle state.
type Workflow struct {
	ID           int64
	ItemID       int64
	Status       string
	ResolvedAt   *time.Time
	TotalReplies int
	Participants []string
}

// Label represents a GitHub label, shared across items.
type Label struct {
	ID   int64
	Name string
}

// VolunteerClaim asserts that one user has taken ownership of resolving one
// item. Claims are insert-only; a claim is active while its workflow is
// still open.
type VolunteerClaim struct {
	ID         string
	UserID     int64
	WorkflowID int64
	AssignedAt time.Time
}
