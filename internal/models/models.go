package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item kinds as stored in the item_type document field.
const (
	KindIssue       = "issue"
	KindPullRequest = "pull_request"
)

// Actor represents the author of an item or comment
type Actor struct {
	Login string `json:"login"`
}

// Label represents a GitHub label
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ReactionCount holds the total reaction count for a comment
type ReactionCount struct {
	TotalCount int `json:"totalCount"`
}

// Comment represents a single issue or pull request comment
type Comment struct {
	ID                string        `json:"id"`
	Body              string        `json:"body"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
	Author            Actor         `json:"author"`
	AuthorAssociation string        `json:"authorAssociation"`
	Reactions         ReactionCount `json:"reactions"`
}

// CrossReference represents an item that referenced this one from its timeline
type CrossReference struct {
	Number int    `json:"number"`
	Kind   string `json:"type"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Author string `json:"author"`
}

// Item is a normalized GitHub issue or pull request. Number is the stable
// identity within a repository; the stored document key is derived from it
// via DocumentKey. Extra carries extension fields (PR merge metadata,
// reaction groups) that ride along into the document untouched.
type Item struct {
	Number          int
	Title           string
	Body            string
	State           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	URL             string
	Author          string
	Kind            string
	Labels          []Label
	Assignees       []string
	Comments        []Comment
	CrossReferences []CrossReference
	Extra           map[string]any
}

// DocumentKey derives the store document id for an item of a repository.
func DocumentKey(repo string, number int) string {
	return fmt.Sprintf("%s-%d", repo, number)
}

// Document builds the JSON document body for the item. The result is
// round-tripped through encoding/json so that values compare equal to a
// document read back from the store (numbers as float64, nested maps).
// The volatile pulled_date field is stamped by the store, not here.
func (it *Item) Document() (map[string]any, error) {
	labels := it.Labels
	if labels == nil {
		labels = []Label{}
	}
	assignees := make([]Actor, 0, len(it.Assignees))
	for _, login := range it.Assignees {
		assignees = append(assignees, Actor{Login: login})
	}
	comments := it.Comments
	if comments == nil {
		comments = []Comment{}
	}
	crossRefs := it.CrossReferences
	if crossRefs == nil {
		crossRefs = []CrossReference{}
	}

	doc := map[string]any{
		"number":             it.Number,
		"title":              it.Title,
		"body":               it.Body,
		"state":              it.State,
		"createdAt":          it.CreatedAt,
		"updatedAt":          it.UpdatedAt,
		"url":                it.URL,
		"author":             Actor{Login: it.Author},
		"labels":             labels,
		"assignees":          assignees,
		"comments":           comments,
		"number_of_comments": len(comments),
		"cross_references":   crossRefs,
		"item_type":          it.Kind,
	}
	for k, v := range it.Extra {
		if _, ok := doc[k]; !ok {
			doc[k] = v
		}
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item #%d: %w", it.Number, err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("failed to normalize item #%d: %w", it.Number, err)
	}
	return normalized, nil
}
