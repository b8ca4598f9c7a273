package github

import (
	"context"
	"fmt"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/opencollab/issue-volunteer/internal/models"
)

// node mirrors the GraphQL fields shared by Issue and PullRequest. Both
// types expose the same scalar surface we need, reached through inline
// fragments on the node interface.
type node struct {
	Issue struct {
		Number githubv4.Int
		Title  githubv4.String
		Body   githubv4.String
		State  githubv4.String
		Assignees struct {
			Nodes []struct {
				Login githubv4.String
			}
		} `graphql:"assignees(first: 10)"`
	} `graphql:"... on Issue"`
	PullRequest struct {
		Number githubv4.Int
		Title  githubv4.String
		Body   githubv4.String
		State  githubv4.String
		Assignees struct {
			Nodes []struct {
				Login githubv4.String
			}
		} `graphql:"assignees(first: 10)"`
	} `graphql:"... on PullRequest"`
}

// GetItemByNodeID looks an item up by its immutable node identifier via the
// GraphQL API, which is the only surface that resolves node IDs directly.
func (c *Client) GetItemByNodeID(ctx context.Context, token, nodeID string) (*RemoteItem, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := githubv4.NewClient(oauth2.NewClient(ctx, src))

	var query struct {
		Node node `graphql:"node(id: $id)"`
	}
	vars := map[string]any{"id": githubv4.ID(nodeID)}
	if err := client.Query(ctx, &query, vars); err != nil {
		return nil, fmt.Errorf("failed to resolve node %s: %w", nodeID, err)
	}

	item := &RemoteItem{NodeID: nodeID, Kind: models.KindFromNodeID(nodeID)}
	switch item.Kind {
	case models.KindIssue:
		item.Number = int(query.Node.Issue.Number)
		item.Title = string(query.Node.Issue.Title)
		item.Body = string(query.Node.Issue.Body)
		item.State = string(query.Node.Issue.State)
		for _, a := range query.Node.Issue.Assignees.Nodes {
			item.Assignees = append(item.Assignees, string(a.Login))
		}
	default:
		item.Number = int(query.Node.PullRequest.Number)
		item.Title = string(query.Node.PullRequest.Title)
		item.Body = string(query.Node.PullRequest.Body)
		item.State = string(query.Node.PullRequest.State)
		for _, a := range query.Node.PullRequest.Assignees.Nodes {
			item.Assignees = append(item.Assignees, string(a.Login))
		}
	}
	if item.Number == 0 {
		return nil, fmt.Errorf("node %s is not an issue or pull request", nodeID)
	}
	return item, nil
}
