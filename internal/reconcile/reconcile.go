// Package reconcile turns inbound GitHub webhook events into idempotent
// upserts of the local item records.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/opencollab/issue-volunteer/config"
	"github.com/opencollab/issue-volunteer/internal/db"
	"github.com/opencollab/issue-volunteer/internal/models"
	"github.com/opencollab/issue-volunteer/internal/search"
)

// Reconciler merges inbound events into the record store.
type Reconciler struct {
	store    *db.DB
	projects *config.ProjectIndex
	indexer  search.Indexer
	log      *slog.Logger
}

// New creates a reconciler. The project index is read-only, loaded once at
// startup.
func New(store *db.DB, projects *config.ProjectIndex, indexer search.Indexer, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		projects: projects,
		indexer:  indexer,
		log:      log,
	}
}

// payloadItem is the normalized slice of an issue or pull-request payload.
type payloadItem struct {
	nodeID    string
	number    int
	title     string
	body      string
	author    string
	labels    []string
	createdAt time.Time
	updatedAt time.Time
}

// Reconcile consumes one parsed webhook event. It is idempotent and safe to
// invoke any number of times with the same or a later version of the same
// remote item; duplicate deliveries converge on the same stored state.
// Unrecognized event types and skip conditions return nil.
func (r *Reconciler) Reconcile(ctx context.Context, event any) error {
	switch ev := event.(type) {
	case *gh.IssuesEvent:
		if ev.GetAction() == "closed" {
			return r.reconcileClosed(ctx, ev.GetIssue().GetNodeID(), ev.GetIssue().GetClosedAt().Time)
		}
		return r.reconcileItem(ctx, ev.GetRepo(), itemFromIssue(ev.GetIssue()))
	case *gh.PullRequestEvent:
		if ev.GetAction() == "closed" {
			return r.reconcileClosed(ctx, ev.GetPullRequest().GetNodeID(), ev.GetPullRequest().GetClosedAt().Time)
		}
		return r.reconcileItem(ctx, ev.GetRepo(), itemFromPullRequest(ev.GetPullRequest()))
	case *gh.IssueCommentEvent:
		return r.reconcileComment(ctx, ev)
	default:
		return nil
	}
}

// reconcileClosed resolves the workflow of a remotely closed item. This is
// the implicit release path for any claim held on the item. Unknown items
// are ignored.
func (r *Reconciler) reconcileClosed(ctx context.Context, nodeID string, closedAt time.Time) error {
	item, err := r.store.GetItemByNodeID(ctx, nodeID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up closed item: %w", err)
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if err := r.store.MarkWorkflowResolved(ctx, item.Workflow.ID, closedAt); err != nil {
		return fmt.Errorf("failed to resolve workflow for %s: %w", nodeID, err)
	}
	r.indexer.Index(item.Workflow.ID)
	return nil
}

func (r *Reconciler) reconcileItem(ctx context.Context, repo *gh.Repository, it payloadItem) error {
	url := repo.GetHTMLURL()
	project, ok := r.projects.Lookup(url)
	if !ok {
		// Events from unmonitored repositories are expected noise.
		r.log.Debug("skipping event from unmonitored repository", "repo", url)
		return nil
	}
	if project.IsMaintainer(it.author) {
		// Maintainers' own items are not tracked as workflow items.
		r.log.Debug("skipping maintainer-authored item",
			"repo", url, "author", it.author, "number", it.number)
		return nil
	}

	stored, err := r.store.UpsertRepository(ctx, url, repo.GetName(), repo.GetOwner().GetLogin())
	if err != nil {
		return fmt.Errorf("failed to upsert repository %s: %w", url, err)
	}

	author, err := r.store.EnsureUser(ctx, it.author)
	if err != nil {
		return fmt.Errorf("failed to resolve author %s: %w", it.author, err)
	}

	item, err := r.store.UpsertItem(ctx, &models.Item{
		NodeID:       it.nodeID,
		RepositoryID: stored.ID,
		AuthorID:     author.ID,
		Title:        it.title,
		Body:         it.body,
		Number:       it.number,
		CreatedAt:    it.createdAt,
		UpdatedAt:    it.updatedAt,
	}, it.labels)
	if err != nil {
		return fmt.Errorf("failed to upsert item %s: %w", it.nodeID, err)
	}

	r.indexer.Index(item.Workflow.ID)
	r.log.Info("reconciled item",
		"project", project.Name, "node_id", item.NodeID,
		"number", item.Number, "kind", item.Kind)
	return nil
}

// reconcileComment records an external reply on an already-tracked item,
// keyed on the comment's remote ID so redelivery does not double-count.
// Comments on unknown items are ignored.
func (r *Reconciler) reconcileComment(ctx context.Context, ev *gh.IssueCommentEvent) error {
	item, err := r.store.GetItemByNodeID(ctx, ev.GetIssue().GetNodeID())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to look up commented item: %w", err)
	}
	login := ev.GetComment().GetUser().GetLogin()
	if err := r.store.RecordWorkflowReply(ctx, item.Workflow.ID, ev.GetComment().GetID(), login); err != nil {
		return fmt.Errorf("failed to record reply by %s: %w", login, err)
	}
	return nil
}

func itemFromIssue(issue *gh.Issue) payloadItem {
	it := payloadItem{
		nodeID:    issue.GetNodeID(),
		number:    issue.GetNumber(),
		title:     issue.GetTitle(),
		body:      issue.GetBody(),
		author:    issue.GetUser().GetLogin(),
		createdAt: issue.GetCreatedAt().Time,
		updatedAt: issue.GetUpdatedAt().Time,
	}
	for _, l := range issue.Labels {
		it.labels = append(it.labels, l.GetName())
	}
	return it
}

func itemFromPullRequest(pr *gh.PullRequest) payloadItem {
	it := payloadItem{
		nodeID:    pr.GetNodeID(),
		number:    pr.GetNumber(),
		title:     pr.GetTitle(),
		body:      pr.GetBody(),
		author:    pr.GetUser().GetLogin(),
		createdAt: pr.GetCreatedAt().Time,
		updatedAt: pr.GetUpdatedAt().Time,
	}
	for _, l := range pr.Labels {
		it.labels = append(it.labels, l.GetName())
	}
	return it
}
