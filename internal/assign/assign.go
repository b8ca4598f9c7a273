// Package assign coordinates a volunteer's exclusive claim on one open item.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opencollab/issue-volunteer/internal/db"
	"github.com/opencollab/issue-volunteer/internal/github"
	"github.com/opencollab/issue-volunteer/internal/models"
)

// RemoteClient is the slice of the GitHub client the coordinator needs.
type RemoteClient interface {
	InstallationToken(ctx context.Context, owner, repo string) (string, error)
	GetItem(ctx context.Context, token, owner, repo string, number int) (*github.RemoteItem, error)
	AddAssignee(ctx context.Context, token, owner, repo string, number int, username string) error
	AddComment(ctx context.Context, token, owner, repo string, number int, body string) error
}

// OutcomeKind enumerates the possible results of an assignment attempt.
type OutcomeKind string

const (
	// Assigned: a claim was created for one candidate.
	Assigned OutcomeKind = "assigned"
	// AlreadyVolunteering: the volunteer already holds an active claim.
	AlreadyVolunteering OutcomeKind = "already_volunteering"
	// NeedsIdentityLink: the volunteer has no linked GitHub identity or
	// token; the caller must run the identity-linking flow first.
	NeedsIdentityLink OutcomeKind = "needs_identity_link"
	// NoEligibleCandidate: the candidate list was empty or none of its
	// entries resolved to a backing item.
	NoEligibleCandidate OutcomeKind = "no_eligible_candidate"
	// RemoteConflict: every resolvable candidate was already claimed on
	// the remote platform since the list was built.
	RemoteConflict OutcomeKind = "remote_conflict"
)

// Request is one volunteer-assignment attempt. Candidates are item IDs in
// the caller's ranked order. RequesterID and ChannelID identify the
// messaging-platform origin and are passed through to the outcome for the
// caller to render against.
type Request struct {
	Candidates  []int64
	Volunteer   *models.User
	RequesterID string
	ChannelID   string
}

// Outcome is the result of an assignment attempt. The coordinator never
// formats user-facing text; it only returns data.
type Outcome struct {
	Kind        OutcomeKind
	Item        *models.Item
	Claim       *models.VolunteerClaim
	RequesterID string
	ChannelID   string
}

// Coordinator enforces the single-active-claim invariant and races the
// remote platform for one candidate at a time.
type Coordinator struct {
	store  *db.DB
	remote RemoteClient
	log    *slog.Logger
	now    func() time.Time
}

// New creates a coordinator.
func New(store *db.DB, remote RemoteClient, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		remote: remote,
		log:    log,
		now:    time.Now,
	}
}

// Assign walks the candidate list in order and claims the first item that is
// still unassigned on the remote platform.
//
// The local single-claim check is strict: the claim row is written inside
// the store's guarded transaction, so two concurrent attempts by the same
// volunteer cannot both succeed. The remote-assignee check is only a
// best-effort optimistic guard; the gap between checking assignees and
// adding one is an accepted residual risk, mitigated by posting the intent
// comment first so a lost race still leaves an audit trail.
//
// Any remote-call error aborts the whole attempt and propagates. A posted
// comment without a resulting assignment, or a remote assignment without a
// local claim row, is possible on failure and is reported, not rolled back.
func (c *Coordinator) Assign(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{RequesterID: req.RequesterID, ChannelID: req.ChannelID}
	volunteer := req.Volunteer

	if volunteer.GithubUsername == "" || volunteer.GithubToken == "" {
		out.Kind = NeedsIdentityLink
		return out, nil
	}

	existing, err := c.store.GetActiveClaimByUser(ctx, volunteer.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return out, fmt.Errorf("failed to check existing claims: %w", err)
	}
	if existing != nil {
		held, err := c.store.GetItemByWorkflowID(ctx, existing.WorkflowID)
		if err != nil {
			return out, fmt.Errorf("failed to load held item: %w", err)
		}
		out.Kind = AlreadyVolunteering
		out.Claim = existing
		out.Item = held
		return out, nil
	}

	var resolved, skipped int
	var claimed *models.Item
	for _, candidateID := range req.Candidates {
		item, err := c.store.GetItemByID(ctx, candidateID)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("failed to resolve candidate %d: %w", candidateID, err)
		}
		resolved++

		owner, repo, number := item.Repository.Owner, item.Repository.Name, item.Number
		appToken, err := c.remote.InstallationToken(ctx, owner, repo)
		if err != nil {
			return out, fmt.Errorf("failed to get installation token for %s/%s: %w", owner, repo, err)
		}

		remote, err := c.remote.GetItem(ctx, appToken, owner, repo, number)
		if err != nil {
			return out, fmt.Errorf("failed to check %s/%s#%d: %w", owner, repo, number, err)
		}
		if len(remote.Assignees) > 0 {
			// Someone claimed it through another channel since the
			// candidate list was built.
			c.log.Debug("candidate already assigned remotely",
				"item", item.NodeID, "assignees", remote.Assignees)
			skipped++
			continue
		}

		// Comment as the volunteer first, then assign as the app, so a
		// failure between the two still leaves a visible record of intent.
		const body = "I'd like to volunteer to take this one."
		if err := c.remote.AddComment(ctx, volunteer.GithubToken, owner, repo, number, body); err != nil {
			return out, fmt.Errorf("failed to post volunteering comment on %s/%s#%d: %w", owner, repo, number, err)
		}
		if err := c.remote.AddAssignee(ctx, appToken, owner, repo, number, volunteer.GithubUsername); err != nil {
			return out, fmt.Errorf("failed to assign %s/%s#%d: %w", owner, repo, number, err)
		}
		claimed = item
		break
	}

	if claimed == nil {
		if resolved > 0 && skipped == resolved {
			out.Kind = RemoteConflict
		} else {
			out.Kind = NoEligibleCandidate
		}
		return out, nil
	}

	claim, err := c.store.CreateClaim(ctx, volunteer.ID, claimed.Workflow.ID, c.now().UTC())
	if errors.Is(err, db.ErrAlreadyVolunteering) {
		// A concurrent attempt won the local race after our remote
		// assignment succeeded. Report the existing claim; the remote
		// side effects stand.
		c.log.Warn("remote assignment without local claim, concurrent claim won",
			"user", volunteer.GithubUsername, "item", claimed.NodeID)
		existing, lookupErr := c.store.GetActiveClaimByUser(ctx, volunteer.ID)
		if lookupErr != nil {
			return out, fmt.Errorf("failed to load winning claim: %w", lookupErr)
		}
		held, lookupErr := c.store.GetItemByWorkflowID(ctx, existing.WorkflowID)
		if lookupErr != nil {
			return out, fmt.Errorf("failed to load held item: %w", lookupErr)
		}
		out.Kind = AlreadyVolunteering
		out.Claim = existing
		out.Item = held
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("failed to record claim: %w", err)
	}

	c.log.Info("volunteer assigned",
		"user", volunteer.GithubUsername, "item", claimed.NodeID, "number", claimed.Number)
	out.Kind = Assigned
	out.Item = claimed
	out.Claim = claim
	return out, nil
}
