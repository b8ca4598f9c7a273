package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencollab/issue-volunteer/internal/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// seedItem creates a repository, an author and an item in one go and returns
// the stored item.
func seedItem(t *testing.T, d *DB, nodeID string, number int, labels ...string) *models.Item {
	t.Helper()
	ctx := context.Background()

	repo, err := d.UpsertRepository(ctx, "https://github.com/demo/repo", "repo", "demo")
	require.NoError(t, err)
	author, err := d.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	item, err := d.UpsertItem(ctx, &models.Item{
		NodeID:       nodeID,
		RepositoryID: repo.ID,
		AuthorID:     author.ID,
		Title:        "a title",
		Body:         "a body",
		Number:       number,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, labels)
	require.NoError(t, err)
	return item
}

func labelNames(item *models.Item) []string {
	names := make([]string, 0, len(item.Labels))
	for _, l := range item.Labels {
		names = append(names, l.Name)
	}
	return names
}

func TestUpsertItem_Create(t *testing.T) {
	d := openTestDB(t)

	item := seedItem(t, d, "I_1", 7, "bug")

	assert.Equal(t, "I_1", item.NodeID)
	assert.Equal(t, 7, item.Number)
	assert.Equal(t, models.KindIssue, item.Kind)
	assert.Equal(t, models.StateOpen, item.State)
	assert.Equal(t, []string{"bug"}, labelNames(item))
	require.NotNil(t, item.Workflow)
	assert.Equal(t, models.StateOpen, item.Workflow.Status)
	assert.Equal(t, 0, item.Workflow.TotalReplies)
	assert.Nil(t, item.Workflow.ResolvedAt)
}

func TestUpsertItem_Idempotent(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	first := seedItem(t, d, "I_1", 7, "bug")
	second := seedItem(t, d, "I_1", 7, "bug")

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Workflow.ID, second.Workflow.ID)
	assert.Equal(t, labelNames(first), labelNames(second))

	items, err := d.ListOpenWorkflowItems(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestUpsertItem_LabelSnapshot(t *testing.T) {
	d := openTestDB(t)

	seedItem(t, d, "I_1", 7, "A", "B")
	item := seedItem(t, d, "I_1", 7, "B", "C")

	assert.Equal(t, []string{"B", "C"}, labelNames(item))
}

func TestUpsertItem_EmptyLabelSet(t *testing.T) {
	d := openTestDB(t)

	seedItem(t, d, "I_1", 7, "bug")
	item := seedItem(t, d, "I_1", 7)

	assert.Empty(t, item.Labels)
	assert.Equal(t, models.StateOpen, item.State)
}

func TestUpsertItem_KindIsDerivedFromNodeID(t *testing.T) {
	d := openTestDB(t)

	issue := seedItem(t, d, "I_abc", 1)
	pr := seedItem(t, d, "PR_kwDOabc", 2)

	assert.Equal(t, models.KindIssue, issue.Kind)
	assert.Equal(t, models.KindPullRequest, pr.Kind)
}

func TestUpsertItem_ResolvedWorkflowStaysClosedOnReopen(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	item := seedItem(t, d, "I_1", 7)
	require.NoError(t, d.MarkWorkflowResolved(ctx, item.Workflow.ID, time.Now().UTC()))

	reopened := seedItem(t, d, "I_1", 7)

	// The remote item reopens but the fact that it was resolved once is
	// not erased.
	assert.Equal(t, models.StateOpen, reopened.State)
	assert.Equal(t, models.StateClosed, reopened.Workflow.Status)
	assert.NotNil(t, reopened.Workflow.ResolvedAt)
}

func TestUpsertItem_UpdateClearsParticipants(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	item := seedItem(t, d, "I_1", 7)
	require.NoError(t, d.RecordWorkflowReply(ctx, item.Workflow.ID, 101, "carol"))
	require.NoError(t, d.RecordWorkflowReply(ctx, item.Workflow.ID, 102, "dave"))

	withReplies, err := d.GetItemByNodeID(ctx, "I_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, withReplies.Workflow.Participants)
	assert.Equal(t, 2, withReplies.Workflow.TotalReplies)

	updated := seedItem(t, d, "I_1", 7)
	assert.Empty(t, updated.Workflow.Participants)
	assert.Equal(t, 2, updated.Workflow.TotalReplies)
}

func TestRecordWorkflowReply_DedupesByCommentID(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	item := seedItem(t, d, "I_1", 7)

	// The same comment delivered twice counts once.
	require.NoError(t, d.RecordWorkflowReply(ctx, item.Workflow.ID, 42, "carol"))
	require.NoError(t, d.RecordWorkflowReply(ctx, item.Workflow.ID, 42, "carol"))

	got, err := d.GetItemByNodeID(ctx, "I_1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Workflow.TotalReplies)
	assert.Equal(t, []string{"carol"}, got.Workflow.Participants)

	// A second comment by the same author counts as a new reply but not a
	// new participant.
	require.NoError(t, d.RecordWorkflowReply(ctx, item.Workflow.ID, 43, "carol"))
	got, err = d.GetItemByNodeID(ctx, "I_1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Workflow.TotalReplies)
	assert.Equal(t, []string{"carol"}, got.Workflow.Participants)
}

func TestEnsureUser(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	u1, err := d.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	u2, err := d.EnsureUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
	assert.Equal(t, "alice", u1.GithubUsername)
	assert.Empty(t, u1.SlackID)
	assert.Empty(t, u1.GithubToken)

	require.NoError(t, d.SetUserIdentity(ctx, u1.ID, "U123", "gh-token"))
	linked, err := d.GetUserBySlackID(ctx, "U123")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, linked.ID)
	assert.Equal(t, "gh-token", linked.GithubToken)
}

func TestGetRepositoryByURL_NotFound(t *testing.T) {
	d := openTestDB(t)

	_, err := d.GetRepositoryByURL(context.Background(), "https://github.com/none/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertRepository_RefreshesNameAndOwner(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	first, err := d.UpsertRepository(ctx, "https://github.com/demo/repo", "repo", "demo")
	require.NoError(t, err)
	second, err := d.UpsertRepository(ctx, "https://github.com/demo/repo", "renamed", "new-org")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "renamed", second.Name)
	assert.Equal(t, "new-org", second.Owner)
}

func TestCreateClaim_SingleActivePerUser(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	itemA := seedItem(t, d, "I_a", 1)
	itemB := seedItem(t, d, "I_b", 2)
	volunteer, err := d.EnsureUser(ctx, "vol")
	require.NoError(t, err)

	claim, err := d.CreateClaim(ctx, volunteer.ID, itemA.Workflow.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.NotEmpty(t, claim.ID)

	_, err = d.CreateClaim(ctx, volunteer.ID, itemB.Workflow.ID, time.Now().UTC())
	assert.ErrorIs(t, err, ErrAlreadyVolunteering)

	// Closing the claimed item is the implicit release.
	require.NoError(t, d.MarkWorkflowResolved(ctx, itemA.Workflow.ID, time.Now().UTC()))
	_, err = d.CreateClaim(ctx, volunteer.ID, itemB.Workflow.ID, time.Now().UTC())
	require.NoError(t, err)
}

func TestCreateClaim_ConcurrentAttempts(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	volunteer, err := d.EnsureUser(ctx, "vol")
	require.NoError(t, err)

	const attempts = 8
	workflows := make([]int64, attempts)
	for i := 0; i < attempts; i++ {
		item := seedItem(t, d, "I_"+string(rune('a'+i)), i+1)
		workflows[i] = item.Workflow.ID
	}

	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(wf int64) {
			defer wg.Done()
			_, err := d.CreateClaim(ctx, volunteer.ID, wf, time.Now().UTC())
			results <- err
		}(workflows[i])
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyVolunteering)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestGetActiveClaimByUser(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	volunteer, err := d.EnsureUser(ctx, "vol")
	require.NoError(t, err)

	_, err = d.GetActiveClaimByUser(ctx, volunteer.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	item := seedItem(t, d, "I_1", 7)
	created, err := d.CreateClaim(ctx, volunteer.ID, item.Workflow.ID, time.Now().UTC())
	require.NoError(t, err)

	active, err := d.GetActiveClaimByUser(ctx, volunteer.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, active.ID)

	held, err := d.GetItemByWorkflowID(ctx, active.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, held.ID)

	// A resolved workflow makes the claim inactive.
	require.NoError(t, d.MarkWorkflowResolved(ctx, item.Workflow.ID, time.Now().UTC()))
	_, err = d.GetActiveClaimByUser(ctx, volunteer.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOpenWorkflowItems(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	repo, err := d.UpsertRepository(ctx, "https://github.com/demo/repo", "repo", "demo")
	require.NoError(t, err)
	author, err := d.EnsureUser(ctx, "alice")
	require.NoError(t, err)

	mk := func(nodeID string, number int, created time.Time) *models.Item {
		item, err := d.UpsertItem(ctx, &models.Item{
			NodeID:       nodeID,
			RepositoryID: repo.ID,
			AuthorID:     author.ID,
			Title:        "t",
			Number:       number,
			CreatedAt:    created,
			UpdatedAt:    created,
		}, nil)
		require.NoError(t, err)
		return item
	}

	newer := mk("I_new", 2, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	older := mk("I_old", 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	closed := mk("I_done", 3, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, d.MarkWorkflowResolved(ctx, closed.Workflow.ID, time.Now().UTC()))

	items, err := d.ListOpenWorkflowItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, older.ID, items[0].ID)
	assert.Equal(t, newer.ID, items[1].ID)
}
