package api

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/requester"
)

// SortField selects the timestamp an item listing is ordered by.
type SortField string

const (
	SortCreated SortField = "CREATED_AT"
	SortUpdated SortField = "UPDATED_AT"
)

// lowRateLimitThreshold triggers a log line when the GraphQL quota runs low.
const lowRateLimitThreshold = 1000

// GraphQLClient represents a client for the GitHub GraphQL API.
type GraphQLClient struct {
	client *githubv4.Client
	logger *log.Logger
}

// NewGraphQLClient creates a new GraphQL client on top of the requester.
func NewGraphQLClient(token string, rq *requester.Requester, logger *log.Logger) *GraphQLClient {
	if logger == nil {
		logger = log.Default()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, rq.Client())
	httpClient := oauth2.NewClient(ctx, ts)
	return &GraphQLClient{client: githubv4.NewClient(httpClient), logger: logger}
}

// NewGraphQLClientForURL is NewGraphQLClient pointed at a non-default
// endpoint. Used by tests.
func NewGraphQLClientForURL(url, token string, rq *requester.Requester, logger *log.Logger) *GraphQLClient {
	if logger == nil {
		logger = log.Default()
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, rq.Client())
	return &GraphQLClient{
		client: githubv4.NewEnterpriseClient(url, oauth2.NewClient(ctx, ts)),
		logger: logger,
	}
}

type pageInfo struct {
	EndCursor   githubv4.String
	HasNextPage githubv4.Boolean
}

type rateLimit struct {
	Remaining githubv4.Int
	ResetAt   githubv4.DateTime
}

type actorPart struct {
	Login githubv4.String
}

type labelNode struct {
	Name  githubv4.String
	Color githubv4.String
}

type reactionGroup struct {
	Content githubv4.String
	Users   struct {
		TotalCount githubv4.Int
	}
}

type issueNode struct {
	Number    githubv4.Int
	Title     githubv4.String
	Body      githubv4.String
	State     githubv4.String
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	URL       githubv4.String `graphql:"url"`
	Author    *actorPart
	Labels    struct {
		Nodes []labelNode
	} `graphql:"labels(first: 50)"`
	Assignees struct {
		Nodes []actorPart
	} `graphql:"assignees(first: 10)"`
	ReactionGroups []reactionGroup
}

type pullRequestNode struct {
	issueNode
	Mergeable   githubv4.String
	Merged      githubv4.Boolean
	MergedAt    *githubv4.DateTime
	BaseRefName githubv4.String
	HeadRefName githubv4.String
}

// CursorPager pages through a repository's issues or pull requests with the
// GraphQL cursor API, ascending by the chosen sort field. The continuation
// token only moves forward within a run; Cursor exposes it for resumption.
type CursorPager struct {
	client        *GraphQLClient
	owner, name   string
	kind          string
	order         SortField
	includeClosed bool
	cursor        *githubv4.String
	done          bool
}

// Pager creates a cursor pager for one item kind (models.KindIssue or
// models.KindPullRequest).
func (c *GraphQLClient) Pager(owner, name, kind string, order SortField, includeClosed bool) *CursorPager {
	return &CursorPager{
		client:        c,
		owner:         owner,
		name:          name,
		kind:          kind,
		order:         order,
		includeClosed: includeClosed,
	}
}

// Resume sets the continuation token a previous run left off at.
func (p *CursorPager) Resume(cursor string) {
	if cursor != "" {
		c := githubv4.String(cursor)
		p.cursor = &c
	}
}

// Cursor returns the current continuation token, empty on the first page.
func (p *CursorPager) Cursor() string {
	if p.cursor == nil {
		return ""
	}
	return string(*p.cursor)
}

// NextPage fetches the next page of items. hasMore mirrors the remote
// hasNextPage flag exactly.
func (p *CursorPager) NextPage(ctx context.Context) ([]models.Item, bool, error) {
	if p.done {
		return nil, false, nil
	}

	var (
		items []models.Item
		info  pageInfo
		rl    rateLimit
		err   error
	)
	if p.kind == models.KindPullRequest {
		items, info, rl, err = p.fetchPullRequests(ctx)
	} else {
		items, info, rl, err = p.fetchIssues(ctx)
	}
	if err != nil {
		return nil, false, err
	}

	if remaining := int(rl.Remaining); remaining < lowRateLimitThreshold {
		p.client.logger.Printf("GraphQL rate limit low: %d remaining, resets at %s",
			remaining, rl.ResetAt.Format(time.RFC3339))
	}

	if !bool(info.HasNextPage) {
		p.done = true
		return items, false, nil
	}
	cursor := info.EndCursor
	p.cursor = &cursor
	return items, true, nil
}

func (p *CursorPager) fetchIssues(ctx context.Context) ([]models.Item, pageInfo, rateLimit, error) {
	var query struct {
		Repository struct {
			Issues struct {
				Nodes    []issueNode
				PageInfo pageInfo
			} `graphql:"issues(first: 100, after: $cursor, orderBy: {field: $order, direction: ASC}, states: $states)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimit
	}

	states := []githubv4.IssueState{githubv4.IssueStateOpen}
	if p.includeClosed {
		states = append(states, githubv4.IssueStateClosed)
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(p.owner),
		"name":   githubv4.String(p.name),
		"cursor": p.cursor,
		"order":  githubv4.IssueOrderField(p.order),
		"states": states,
	}

	if err := p.client.client.Query(ctx, &query, variables); err != nil {
		return nil, pageInfo{}, rateLimit{}, fmt.Errorf("failed to query issues: %w", err)
	}

	items := make([]models.Item, 0, len(query.Repository.Issues.Nodes))
	for _, node := range query.Repository.Issues.Nodes {
		items = append(items, convertIssueNode(node))
	}
	return items, query.Repository.Issues.PageInfo, query.RateLimit, nil
}

func (p *CursorPager) fetchPullRequests(ctx context.Context) ([]models.Item, pageInfo, rateLimit, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes    []pullRequestNode
				PageInfo pageInfo
			} `graphql:"pullRequests(first: 100, after: $cursor, orderBy: {field: $order, direction: ASC}, states: $states)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimit
	}

	states := []githubv4.PullRequestState{githubv4.PullRequestStateOpen}
	if p.includeClosed {
		states = append(states,
			githubv4.PullRequestStateClosed, githubv4.PullRequestStateMerged)
	}
	variables := map[string]interface{}{
		"owner":  githubv4.String(p.owner),
		"name":   githubv4.String(p.name),
		"cursor": p.cursor,
		"order":  githubv4.IssueOrderField(p.order),
		"states": states,
	}

	if err := p.client.client.Query(ctx, &query, variables); err != nil {
		return nil, pageInfo{}, rateLimit{}, fmt.Errorf("failed to query pull requests: %w", err)
	}

	items := make([]models.Item, 0, len(query.Repository.PullRequests.Nodes))
	for _, node := range query.Repository.PullRequests.Nodes {
		item := convertIssueNode(node.issueNode)
		item.Kind = models.KindPullRequest
		item.Extra["mergeable"] = string(node.Mergeable)
		item.Extra["merged"] = bool(node.Merged)
		if node.MergedAt != nil {
			item.Extra["merged_at"] = node.MergedAt.Format(time.RFC3339)
		} else {
			item.Extra["merged_at"] = nil
		}
		item.Extra["base_ref"] = string(node.BaseRefName)
		item.Extra["head_ref"] = string(node.HeadRefName)
		items = append(items, item)
	}
	return items, query.Repository.PullRequests.PageInfo, query.RateLimit, nil
}

// convertIssueNode normalizes a GraphQL node into the common item shape.
// GraphQL reports states uppercase; the stored form is lowercase, matching
// the REST representation.
func convertIssueNode(node issueNode) models.Item {
	labels := make([]models.Label, 0, len(node.Labels.Nodes))
	for _, label := range node.Labels.Nodes {
		labels = append(labels, models.Label{
			Name:  string(label.Name),
			Color: string(label.Color),
		})
	}

	assignees := make([]string, 0, len(node.Assignees.Nodes))
	for _, assignee := range node.Assignees.Nodes {
		assignees = append(assignees, string(assignee.Login))
	}

	author := "ghost"
	if node.Author != nil && node.Author.Login != "" {
		author = string(node.Author.Login)
	}

	groups := make([]any, 0, len(node.ReactionGroups))
	for _, group := range node.ReactionGroups {
		groups = append(groups, map[string]any{
			"content": string(group.Content),
			"users":   map[string]any{"totalCount": int(group.Users.TotalCount)},
		})
	}

	return models.Item{
		Number:    int(node.Number),
		Title:     string(node.Title),
		Body:      string(node.Body),
		State:     strings.ToLower(string(node.State)),
		CreatedAt: node.CreatedAt.Time,
		UpdatedAt: node.UpdatedAt.Time,
		URL:       string(node.URL),
		Author:    author,
		Kind:      models.KindIssue,
		Labels:    labels,
		Assignees: assignees,
		Extra: map[string]any{
			"reactionGroups": groups,
		},
	}
}
