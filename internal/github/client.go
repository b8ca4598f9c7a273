package github

import (
	"context"
	"fmt"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/opencollab/issue-volunteer/internal/models"
)

// AppTokenSource supplies the short-lived app-level JWT presented to
// GitHub's installation-token exchange. Minting the JWT is an external
// concern.
type AppTokenSource interface {
	AppJWT(ctx context.Context) (string, error)
}

// StaticAppTokenSource returns a fixed app JWT, typically injected from
// configuration.
type StaticAppTokenSource string

func (s StaticAppTokenSource) AppJWT(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no app JWT configured")
	}
	return string(s), nil
}

// RemoteItem is the slice of a remote issue or pull request that the
// coordinator and reconciler care about.
type RemoteItem struct {
	NodeID    string
	Number    int
	Title     string
	Body      string
	State     string
	Assignees []string
	Kind      models.ItemKind
}

// Client talks to the GitHub API. Every call authenticates independently
// with the token it is given, so the client holds no shared mutable state.
type Client struct {
	apps AppTokenSource
}

// NewClient creates a GitHub API client backed by the given app token
// source.
func NewClient(apps AppTokenSource) *Client {
	return &Client{apps: apps}
}

// restClient builds a REST client authenticated with the given token. An
// empty token yields an unauthenticated client.
func restClient(ctx context.Context, token string) *gh.Client {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(ctx, ts)
	}
	return gh.NewClient(hc)
}

// InstallationToken exchanges the app JWT for a short-lived installation
// token scoped to the given repository. Callers must not cache the token
// beyond the current unit of work.
func (c *Client) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	jwt, err := c.apps.AppJWT(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain app JWT: %w", err)
	}
	client := restClient(ctx, jwt)

	inst, _, err := client.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("failed to find installation for %s/%s: %w", owner, repo, err)
	}
	token, _, err := client.Apps.CreateInstallationToken(ctx, inst.GetID(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token for %s/%s: %w", owner, repo, err)
	}
	return token.GetToken(), nil
}

// GetItem fetches an issue or pull request, including its current assignee
// set.
func (c *Client) GetItem(ctx context.Context, token, owner, repo string, number int) (*RemoteItem, error) {
	issue, _, err := restClient(ctx, token).Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get item %s/%s#%d: %w", owner, repo, number, err)
	}
	return convertIssue(issue), nil
}

// AddAssignee adds a user to an item's assignee set.
func (c *Client) AddAssignee(ctx context.Context, token, owner, repo string, number int, username string) error {
	_, _, err := restClient(ctx, token).Issues.AddAssignees(ctx, owner, repo, number, []string{username})
	if err != nil {
		return fmt.Errorf("failed to assign %s to %s/%s#%d: %w", username, owner, repo, number, err)
	}
	return nil
}

// AddComment posts a comment on an item, authenticated as whichever
// identity owns the given token.
func (c *Client) AddComment(ctx context.Context, token, owner, repo string, number int, body string) error {
	comment := &gh.IssueComment{Body: gh.String(body)}
	_, _, err := restClient(ctx, token).Issues.CreateComment(ctx, owner, repo, number, comment)
	if err != nil {
		return fmt.Errorf("failed to comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// ListOpenItems lists a repository's open issues and pull requests.
func (c *Client) ListOpenItems(ctx context.Context, token, owner, repo string) ([]*RemoteItem, error) {
	client := restClient(ctx, token)
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var items []*RemoteItem
	for {
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list open items for %s/%s: %w", owner, repo, err)
		}
		for _, issue := range issues {
			items = append(items, convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return items, nil
}

func convertIssue(issue *gh.Issue) *RemoteItem {
	item := &RemoteItem{
		NodeID: issue.GetNodeID(),
		Number: issue.GetNumber(),
		Title:  issue.GetTitle(),
		Body:   issue.GetBody(),
		State:  issue.GetState(),
		Kind:   models.KindFromNodeID(issue.GetNodeID()),
	}
	for _, a := range issue.Assignees {
		item.Assignees = append(item.Assignees, a.GetLogin())
	}
	return item
}
