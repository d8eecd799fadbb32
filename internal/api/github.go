package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/requester"
)

const perPage = 100

// Client represents a client for the GitHub REST API. Every call goes
// through the shared rate-limited requester.
type Client struct {
	gh     *github.Client
	logger *log.Logger
}

// NewClient creates a new GitHub REST client on top of the requester.
func NewClient(token string, rq *requester.Requester, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	httpClient := rq.Client()
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = oauth2.NewClient(ctx, ts)
	}
	return &Client{gh: github.NewClient(httpClient), logger: logger}
}

// NewClientForURL is NewClient pointed at a non-default API base URL.
// Used by tests against httptest servers.
func NewClientForURL(baseURL, token string, rq *requester.Requester, logger *log.Logger) (*Client, error) {
	c := NewClient(token, rq, logger)
	gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to set API base URL: %w", err)
	}
	c.gh = gh
	return c, nil
}

// SincePager pages through a repository's issues and pull requests updated
// after a watermark, ascending by update time. The issues endpoint returns
// both record kinds; they are demultiplexed during normalization. More
// pages are signaled by the Link: rel="next" response header, which
// go-github surfaces as Response.NextPage.
type SincePager struct {
	client      *Client
	owner, name string
	opts        *github.IssueListByRepoOptions
	done        bool
}

// UpdatedSince creates a pager over items updated at or after since.
func (c *Client) UpdatedSince(owner, name string, since time.Time, includeClosed bool) *SincePager {
	state := "open"
	if includeClosed {
		state = "all"
	}
	return &SincePager{
		client: c,
		owner:  owner,
		name:   name,
		opts: &github.IssueListByRepoOptions{
			State:     state,
			Sort:      "updated",
			Direction: "asc",
			Since:     since,
			ListOptions: github.ListOptions{
				PerPage: perPage,
				Page:    1,
			},
		},
	}
}

// NextPage fetches the next page of items. The page cursor only moves
// forward; once hasMore is false the pager stays exhausted.
func (p *SincePager) NextPage(ctx context.Context) ([]models.Item, bool, error) {
	if p.done {
		return nil, false, nil
	}

	issues, resp, err := p.client.gh.Issues.ListByRepo(ctx, p.owner, p.name, p.opts)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list issues since %s: %w",
			p.opts.Since.Format(time.RFC3339), err)
	}

	items := make([]models.Item, 0, len(issues))
	for _, issue := range issues {
		items = append(items, ConvertRESTIssue(issue))
	}

	if resp.NextPage == 0 {
		p.done = true
		return items, false, nil
	}
	p.opts.Page = resp.NextPage
	return items, true, nil
}

// GetIssue fetches a single issue or pull request by number. A 404 returns
// (nil, nil): not found is not an error.
func (c *Client) GetIssue(ctx context.Context, owner, name string, number int) (*models.Item, error) {
	issue, resp, err := c.gh.Issues.Get(ctx, owner, name, number)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	item := ConvertRESTIssue(issue)
	return &item, nil
}

// GetComments fetches every comment of an item, following pagination.
func (c *Client) GetComments(ctx context.Context, owner, name string, number int) ([]models.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var all []models.Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments for #%d: %w", number, err)
		}
		for _, comment := range comments {
			all = append(all, convertRESTComment(comment))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// GetCrossReferences fetches the cross-referenced events from an item's
// timeline, following pagination.
func (c *Client) GetCrossReferences(ctx context.Context, owner, name string, number int) ([]models.CrossReference, error) {
	opts := &github.ListOptions{PerPage: perPage}

	var all []models.CrossReference
	for {
		events, resp, err := c.gh.Issues.ListIssueTimeline(ctx, owner, name, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list timeline for #%d: %w", number, err)
		}
		for _, event := range events {
			if ref, ok := convertCrossReference(event); ok {
				all = append(all, ref)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// ConvertRESTIssue normalizes a REST issue (or pull request, which the
// issues endpoint also returns) into the common item shape.
func ConvertRESTIssue(issue *github.Issue) models.Item {
	kind := models.KindIssue
	if issue.IsPullRequest() {
		kind = models.KindPullRequest
	}

	labels := make([]models.Label, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, models.Label{
			Name:  label.GetName(),
			Color: label.GetColor(),
		})
	}

	assignees := make([]string, 0, len(issue.Assignees))
	for _, assignee := range issue.Assignees {
		assignees = append(assignees, assignee.GetLogin())
	}

	author := "ghost"
	if issue.User != nil {
		author = issue.User.GetLogin()
	}

	// Reaction groups and merge state are only available via GraphQL; the
	// issues endpoint marks pull requests but carries no merge details.
	extra := map[string]any{
		"reactionGroups": []any{},
	}
	if kind == models.KindPullRequest {
		extra["merged"] = false
		extra["merged_at"] = nil
	}

	return models.Item{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issue.GetState(),
		CreatedAt: issue.GetCreatedAt().Time,
		UpdatedAt: issue.GetUpdatedAt().Time,
		URL:       issue.GetHTMLURL(),
		Author:    author,
		Kind:      kind,
		Labels:    labels,
		Assignees: assignees,
		Extra:     extra,
	}
}

func convertRESTComment(comment *github.IssueComment) models.Comment {
	author := "ghost"
	if comment.User != nil {
		author = comment.User.GetLogin()
	}
	association := comment.GetAuthorAssociation()
	if association == "" {
		association = "NONE"
	}
	return models.Comment{
		ID:                strconv.FormatInt(comment.GetID(), 10),
		Body:              comment.GetBody(),
		CreatedAt:         comment.GetCreatedAt().Time,
		UpdatedAt:         comment.GetUpdatedAt().Time,
		Author:            models.Actor{Login: author},
		AuthorAssociation: association,
		Reactions: models.ReactionCount{
			TotalCount: comment.GetReactions().GetTotalCount(),
		},
	}
}

func convertCrossReference(event *github.Timeline) (models.CrossReference, bool) {
	if event.GetEvent() != "cross-referenced" || event.GetSource() == nil {
		return models.CrossReference{}, false
	}
	source := event.GetSource().Issue
	if source == nil {
		return models.CrossReference{}, false
	}

	kind := "issue"
	if source.IsPullRequest() {
		kind = "pr"
	}
	return models.CrossReference{
		Number: source.GetNumber(),
		Kind:   kind,
		Title:  source.GetTitle(),
		URL:    source.GetHTMLURL(),
		Author: source.GetUser().GetLogin(),
	}, true
}
