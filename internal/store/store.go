// Package store talks to a CouchDB-compatible document store. Documents
// carry a server-assigned revision token (_rev); writes with a stale token
// fail with 409 and are recovered by read-merge-retry, bounded.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/requester"
)

const (
	// maxWriteAttempts bounds the conflict merge-and-retry loop. The loop
	// must not be unbounded: sustained contention would otherwise hang the
	// run instead of surfacing an error.
	maxWriteAttempts = 3

	// volatileField is stamped on every successful write and excluded from
	// document equality.
	volatileField = "pulled_date"
)

var (
	// ErrConflict reports that the merge-and-retry loop exhausted its
	// attempts for a single document.
	ErrConflict = errors.New("conflict retries exhausted")

	// ErrMissingRev reports a document read back without a revision token.
	ErrMissingRev = errors.New("document missing _rev")
)

// ConnectionError wraps a transport or protocol failure talking to the
// store.
type ConnectionError struct {
	Op     string
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s failed: status %d", e.Op, e.Status)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Result classifies the outcome of an upsert.
type Result int

const (
	ResultCreated Result = iota
	ResultUpdated
	ResultUnchanged
)

func (r Result) String() string {
	switch r {
	case ResultCreated:
		return "created"
	case ResultUpdated:
		return "updated"
	case ResultUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Store is a client for one repository's database. All HTTP goes through
// the shared rate-limited requester.
type Store struct {
	serverURL string
	repo      string
	dbName    string
	username  string
	password  string
	http      *http.Client
	logger    *log.Logger

	now func() time.Time
}

// DatabaseName derives the database name for a repository. Database names
// must be lowercase and must not contain slashes.
func DatabaseName(repo string) string {
	return "issues-" + strings.ToLower(strings.ReplaceAll(repo, "/", "-"))
}

// New creates a store client for the given repository.
func New(serverURL, repo, username, password string, rq *requester.Requester, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		serverURL: strings.TrimRight(serverURL, "/"),
		repo:      repo,
		dbName:    DatabaseName(repo),
		username:  username,
		password:  password,
		http:      rq.Client(),
		logger:    logger,
		now:       time.Now,
	}
}

// Repo returns the repository this store is bound to.
func (s *Store) Repo() string { return s.repo }

func (s *Store) dbURL() string {
	return s.serverURL + "/" + s.dbName
}

func (s *Store) docURL(key string) string {
	return s.dbURL() + "/" + url.PathEscape(key)
}

func (s *Store) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build store request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.username != "" || s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	return req, nil
}

// EnsureDatabase creates the repository database if it does not exist.
// 201 means created, 412 means it was already there.
func (s *Store) EnsureDatabase(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodPut, s.dbURL(), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return &ConnectionError{Op: "create database", Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusPreconditionFailed:
		return nil
	default:
		return &ConnectionError{Op: "create database", Status: resp.StatusCode}
	}
}

// Get reads a document by key. A missing document returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (map[string]any, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.docURL(key), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: "get " + key, Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		var doc map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, &ConnectionError{Op: "decode " + key, Err: err}
		}
		return doc, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, &ConnectionError{Op: "get " + key, Status: resp.StatusCode}
	}
}

// AllDocuments reads every document in the database. A missing database
// counts as an empty store. Design documents are skipped.
func (s *Store) AllDocuments(ctx context.Context) ([]map[string]any, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.dbURL()+"/_all_docs?include_docs=true", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &ConnectionError{Op: "scan", Err: err}
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, &ConnectionError{Op: "scan", Status: resp.StatusCode}
	}

	var payload struct {
		Rows []struct {
			ID  string         `json:"id"`
			Doc map[string]any `json:"doc"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ConnectionError{Op: "decode scan", Err: err}
	}

	docs := make([]map[string]any, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		if row.Doc == nil || strings.HasPrefix(row.ID, "_design/") {
			continue
		}
		docs = append(docs, row.Doc)
	}
	return docs, nil
}

// Delete removes a document by issue number, rev-checked. Returns false
// when the document does not exist. Maintenance operation; the sync engine
// never deletes.
func (s *Store) Delete(ctx context.Context, number int) (bool, error) {
	key := models.DocumentKey(s.repo, number)
	doc, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	rev, ok := doc["_rev"].(string)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrMissingRev, key)
	}

	req, err := s.newRequest(ctx, http.MethodDelete, s.docURL(key)+"?rev="+url.QueryEscape(rev), nil)
	if err != nil {
		return false, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, &ConnectionError{Op: "delete " + key, Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return false, &ConnectionError{Op: "delete " + key, Status: resp.StatusCode}
	}
	return true, nil
}

// put writes a document and returns the HTTP status for the caller to
// classify (409 is the conflict signal, not an error here).
func (s *Store) put(ctx context.Context, key string, doc map[string]any) (int, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode document %s: %w", key, err)
	}
	req, err := s.newRequest(ctx, http.MethodPut, s.docURL(key), body)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, &ConnectionError{Op: "put " + key, Err: err}
	}
	defer drain(resp)
	return resp.StatusCode, nil
}

// Upsert writes an item's document, recovering version conflicts by
// read-merge-retry. Identical content results in no write at all.
func (s *Store) Upsert(ctx context.Context, item *models.Item) (Result, error) {
	incoming, err := item.Document()
	if err != nil {
		return ResultUnchanged, err
	}
	key := models.DocumentKey(s.repo, item.Number)

	existing, err := s.Get(ctx, key)
	if err != nil {
		return ResultUnchanged, err
	}

	doc := copyDocument(incoming)
	result := ResultCreated
	if existing != nil {
		if DocumentsEqual(existing, incoming) {
			return ResultUnchanged, nil
		}
		rev, ok := existing["_rev"].(string)
		if !ok {
			return ResultUnchanged, fmt.Errorf("%w: %s", ErrMissingRev, key)
		}
		doc["_rev"] = rev
		result = ResultUpdated
	}

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		doc[volatileField] = s.now().Format(time.RFC3339)
		status, err := s.put(ctx, key, doc)
		if err != nil {
			return ResultUnchanged, err
		}
		switch status {
		case http.StatusOK, http.StatusCreated:
			return result, nil
		case http.StatusConflict:
			current, err := s.Get(ctx, key)
			if err != nil {
				return ResultUnchanged, err
			}
			if current == nil {
				// Conflicted against a document that has since vanished;
				// retry as a fresh create.
				doc = copyDocument(incoming)
				result = ResultCreated
				continue
			}
			doc = MergeDocuments(current, incoming)
			if DocumentsEqual(current, doc) {
				return ResultUnchanged, nil
			}
			result = ResultUpdated
		default:
			return ResultUnchanged, &ConnectionError{Op: "put " + key, Status: status}
		}
	}
	return ResultUnchanged, fmt.Errorf("%w: %s", ErrConflict, key)
}

// DocumentsEqual compares two documents field-wise, ignoring store-internal
// fields (underscore-prefixed) and the volatile pulled_date.
func DocumentsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(cleanDocument(a), cleanDocument(b))
}

// MergeDocuments merges an incoming document into the current stored one:
// incoming fields win on collision, fields only present in current are
// preserved, and the revision token always comes from current.
func MergeDocuments(current, incoming map[string]any) map[string]any {
	merged := copyDocument(current)
	for k, v := range incoming {
		if strings.HasPrefix(k, "_") {
			continue
		}
		merged[k] = v
	}
	return merged
}

func cleanDocument(doc map[string]any) map[string]any {
	clean := make(map[string]any, len(doc))
	for k, v := range doc {
		if strings.HasPrefix(k, "_") || k == volatileField {
			continue
		}
		clean[k] = v
	}
	return clean
}

func copyDocument(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
