package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/requester"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	quiet := log.New(io.Discard, "", 0)
	rq := requester.New(nil, requester.WithLogger(quiet))
	c, err := NewClientForURL(srv.URL, "", rq, quiet)
	require.NoError(t, err)
	return c
}

func nextLink(r *http.Request, page int) string {
	return fmt.Sprintf(`<http://%s%s?page=%d>; rel="next"`, r.Host, r.URL.Path, page)
}

func TestSincePager(t *testing.T) {
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "all", q.Get("state"))
		assert.Equal(t, "updated", q.Get("sort"))
		assert.Equal(t, "asc", q.Get("direction"))
		assert.Equal(t, "100", q.Get("per_page"))

		if q.Get("page") == "2" {
			fmt.Fprint(w, `[
				{"number": 3, "title": "third", "state": "closed",
				 "created_at": "2024-03-03T00:00:00Z", "updated_at": "2024-03-13T00:00:00Z",
				 "html_url": "https://github.com/acme/widgets/pull/3",
				 "user": {"login": "hubot"},
				 "pull_request": {"url": "https://api.github.com/repos/acme/widgets/pulls/3",
				                  "merged_at": "2024-03-12T00:00:00Z"}}
			]`)
			return
		}

		assert.Equal(t, "2024-03-01T00:00:00Z", q.Get("since"))
		w.Header().Set("Link", nextLink(r, 2))
		fmt.Fprint(w, `[
			{"number": 1, "title": "first", "state": "open",
			 "created_at": "2024-03-01T00:00:00Z", "updated_at": "2024-03-11T00:00:00Z",
			 "html_url": "https://github.com/acme/widgets/issues/1",
			 "user": {"login": "octocat"}},
			{"number": 2, "title": "second", "state": "open",
			 "created_at": "2024-03-02T00:00:00Z", "updated_at": "2024-03-12T00:00:00Z",
			 "html_url": "https://github.com/acme/widgets/issues/2",
			 "user": {"login": "octocat"}}
		]`)
	})

	c := newTestClient(t, mux)
	pager := c.UpdatedSince("acme", "widgets", since, true)
	ctx := context.Background()

	items, hasMore, err := pager.NextPage(ctx)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Number)
	assert.Equal(t, models.KindIssue, items[0].Kind)
	assert.Equal(t, "octocat", items[0].Author)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), items[0].UpdatedAt)

	items, hasMore, err = pager.NextPage(ctx)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Number)
	assert.Equal(t, models.KindPullRequest, items[0].Kind)

	// Exhausted pager stays exhausted.
	items, hasMore, err = pager.NextPage(ctx)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, items)
}

func TestSincePagerOpenOnly(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[]`)
	})

	c := newTestClient(t, mux)
	pager := c.UpdatedSince("acme", "widgets", time.Now(), false)

	items, hasMore, err := pager.NextPage(context.Background())
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, items)
}

func TestGetIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/5", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 5, "title": "found", "state": "open",
			"created_at": "2024-01-01T00:00:00Z", "updated_at": "2024-01-02T00:00:00Z",
			"html_url": "https://github.com/acme/widgets/issues/5",
			"user": {"login": "octocat"}}`)
	})

	c := newTestClient(t, mux)

	item, err := c.GetIssue(context.Background(), "acme", "widgets", 5)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 5, item.Number)
	assert.Equal(t, "found", item.Title)
}

func TestGetIssueNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/999", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	})

	c := newTestClient(t, mux)

	item, err := c.GetIssue(context.Background(), "acme", "widgets", 999)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestGetComments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `[
				{"id": 1002, "body": "second page",
				 "created_at": "2024-01-03T00:00:00Z", "updated_at": "2024-01-03T00:00:00Z",
				 "user": {"login": "hubot"}, "author_association": "MEMBER",
				 "reactions": {"total_count": 2}}
			]`)
			return
		}
		w.Header().Set("Link", nextLink(r, 2))
		fmt.Fprint(w, `[
			{"id": 1001, "body": "first page",
			 "created_at": "2024-01-02T00:00:00Z", "updated_at": "2024-01-02T00:00:00Z",
			 "user": {"login": "octocat"}}
		]`)
	})

	c := newTestClient(t, mux)

	comments, err := c.GetComments(context.Background(), "acme", "widgets", 7)
	require.NoError(t, err)
	require.Len(t, comments, 2)

	assert.Equal(t, "1001", comments[0].ID)
	assert.Equal(t, "octocat", comments[0].Author.Login)
	// Missing association defaults to NONE.
	assert.Equal(t, "NONE", comments[0].AuthorAssociation)
	assert.Equal(t, 0, comments[0].Reactions.TotalCount)

	assert.Equal(t, "1002", comments[1].ID)
	assert.Equal(t, "MEMBER", comments[1].AuthorAssociation)
	assert.Equal(t, 2, comments[1].Reactions.TotalCount)
}

func TestGetCrossReferences(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/widgets/issues/7/timeline", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"event": "labeled"},
			{"event": "cross-referenced"},
			{"event": "cross-referenced", "source": {"type": "issue", "issue":
				{"number": 20, "title": "related issue",
				 "html_url": "https://github.com/acme/widgets/issues/20",
				 "user": {"login": "octocat"}}}},
			{"event": "cross-referenced", "source": {"type": "issue", "issue":
				{"number": 21, "title": "fixing pr",
				 "html_url": "https://github.com/acme/widgets/pull/21",
				 "user": {"login": "hubot"},
				 "pull_request": {"url": "https://api.github.com/repos/acme/widgets/pulls/21"}}}}
		]`)
	})

	c := newTestClient(t, mux)

	refs, err := c.GetCrossReferences(context.Background(), "acme", "widgets", 7)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, models.CrossReference{
		Number: 20, Kind: "issue", Title: "related issue",
		URL: "https://github.com/acme/widgets/issues/20", Author: "octocat",
	}, refs[0])
	assert.Equal(t, "pr", refs[1].Kind)
	assert.Equal(t, 21, refs[1].Number)
}

func TestConvertRESTIssue(t *testing.T) {
	created := github.Timestamp{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	updated := github.Timestamp{Time: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}

	issue := &github.Issue{
		Number:    github.Int(12),
		Title:     github.String("a plain issue"),
		Body:      github.String("details"),
		State:     github.String("open"),
		CreatedAt: &created,
		UpdatedAt: &updated,
		HTMLURL:   github.String("https://github.com/acme/widgets/issues/12"),
		User:      &github.User{Login: github.String("octocat")},
		Labels: []*github.Label{
			{Name: github.String("bug"), Color: github.String("d73a4a")},
		},
		Assignees: []*github.User{
			{Login: github.String("hubot")},
		},
	}

	item := ConvertRESTIssue(issue)
	assert.Equal(t, models.KindIssue, item.Kind)
	assert.Equal(t, 12, item.Number)
	assert.Equal(t, "octocat", item.Author)
	assert.Equal(t, []models.Label{{Name: "bug", Color: "d73a4a"}}, item.Labels)
	assert.Equal(t, []string{"hubot"}, item.Assignees)
	assert.Equal(t, []any{}, item.Extra["reactionGroups"])
	_, hasMerged := item.Extra["merged"]
	assert.False(t, hasMerged)
}

func TestConvertRESTIssuePullRequest(t *testing.T) {
	pr := &github.Issue{
		Number: github.Int(13),
		State:  github.String("closed"),
		PullRequestLinks: &github.PullRequestLinks{
			URL: github.String("https://api.github.com/repos/acme/widgets/pulls/13"),
		},
	}

	item := ConvertRESTIssue(pr)
	assert.Equal(t, models.KindPullRequest, item.Kind)

	// The issues endpoint carries no merge details; the document still gets
	// explicit placeholder fields so its shape is stable.
	assert.Equal(t, false, item.Extra["merged"])
	assert.Nil(t, item.Extra["merged_at"])

	// Deleted account normalizes to ghost.
	assert.Equal(t, "ghost", item.Author)
}
