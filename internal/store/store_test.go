package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/requester"
)

// fakeCouch is an in-memory CouchDB lookalike implementing the endpoints the
// store uses: database creation, document get/put/delete and _all_docs.
type fakeCouch struct {
	mu   sync.Mutex
	dbs  map[string]map[string]map[string]any
	revs int
}

func newFakeCouch() *fakeCouch {
	return &fakeCouch{dbs: make(map[string]map[string]map[string]any)}
}

func (f *fakeCouch) nextRev() string {
	f.revs++
	return fmt.Sprintf("%d-rev", f.revs)
}

func (f *fakeCouch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	db := parts[0]

	if len(parts) == 1 {
		if r.Method == http.MethodPut {
			if _, ok := f.dbs[db]; ok {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			f.dbs[db] = make(map[string]map[string]any)
			w.WriteHeader(http.StatusCreated)
			return
		}
		http.NotFound(w, r)
		return
	}

	docs, ok := f.dbs[db]
	if !ok {
		http.NotFound(w, r)
		return
	}
	id := parts[1]

	if id == "_all_docs" {
		rows := make([]map[string]any, 0, len(docs))
		for docID, doc := range docs {
			rows = append(rows, map[string]any{"id": docID, "doc": doc})
		}
		json.NewEncoder(w).Encode(map[string]any{"rows": rows})
		return
	}

	switch r.Method {
	case http.MethodGet:
		doc, ok := docs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(doc)
	case http.MethodPut:
		var doc map[string]any
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if existing, ok := docs[id]; ok {
			if doc["_rev"] != existing["_rev"] {
				w.WriteHeader(http.StatusConflict)
				return
			}
		}
		doc["_id"] = id
		doc["_rev"] = f.nextRev()
		docs[id] = doc
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		existing, ok := docs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("rev") != existing["_rev"] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		delete(docs, id)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	default:
		http.NotFound(w, r)
	}
}

func newTestStore(t *testing.T, handler http.Handler, repo string) *Store {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rq := requester.New(nil, requester.WithLogger(log.New(io.Discard, "", 0)))
	st := New(srv.URL, repo, "admin", "secret", rq, log.New(io.Discard, "", 0))
	st.now = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return st
}

func testItem(number int, title string) *models.Item {
	return &models.Item{
		Number:    number,
		Title:     title,
		Body:      "body text",
		State:     "open",
		CreatedAt: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		URL:       fmt.Sprintf("https://github.com/acme/widgets/issues/%d", number),
		Author:    "octocat",
		Kind:      models.KindIssue,
	}
}

func TestDatabaseName(t *testing.T) {
	assert.Equal(t, "issues-acme-widgets", DatabaseName("acme/widgets"))
	assert.Equal(t, "issues-acme-widgets", DatabaseName("Acme/Widgets"))
}

func TestEnsureDatabase(t *testing.T) {
	st := newTestStore(t, newFakeCouch(), "acme/widgets")
	ctx := context.Background()

	require.NoError(t, st.EnsureDatabase(ctx))
	// Second call hits 412 and is still fine.
	require.NoError(t, st.EnsureDatabase(ctx))
}

func TestUpsertCreateThenUnchanged(t *testing.T) {
	st := newTestStore(t, newFakeCouch(), "acme/widgets")
	ctx := context.Background()
	require.NoError(t, st.EnsureDatabase(ctx))

	item := testItem(42, "first title")

	result, err := st.Upsert(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)

	// Same content again: no write.
	result, err = st.Upsert(ctx, item)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, result)

	doc, err := st.Get(ctx, models.DocumentKey("acme/widgets", 42))
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "first title", doc["title"])
	assert.Equal(t, float64(42), doc["number"])
	assert.NotEmpty(t, doc["pulled_date"])
}

func TestUpsertUpdatesChangedDocument(t *testing.T) {
	st := newTestStore(t, newFakeCouch(), "acme/widgets")
	ctx := context.Background()
	require.NoError(t, st.EnsureDatabase(ctx))

	_, err := st.Upsert(ctx, testItem(7, "old title"))
	require.NoError(t, err)

	result, err := st.Upsert(ctx, testItem(7, "new title"))
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, result)

	doc, err := st.Get(ctx, models.DocumentKey("acme/widgets", 7))
	require.NoError(t, err)
	assert.Equal(t, "new title", doc["title"])
}

func TestUpsertMergesOnConflict(t *testing.T) {
	var puts []map[string]any
	gets := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gets++
			// The document advances a revision between our read and write,
			// and a sibling writer added a field we do not produce.
			rev := fmt.Sprintf("%d-rev", gets)
			json.NewEncoder(w).Encode(map[string]any{
				"_id":             "acme/widgets-9",
				"_rev":            rev,
				"number":          9,
				"title":           "stale title",
				"recommendations": []any{"keep me"},
			})
		case http.MethodPut:
			var doc map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
			puts = append(puts, doc)
			if len(puts) == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	})

	st := newTestStore(t, handler, "acme/widgets")

	result, err := st.Upsert(context.Background(), testItem(9, "fresh title"))
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, result)

	require.Len(t, puts, 2)
	final := puts[1]
	// The retried write carries the latest revision, the incoming content,
	// and the field only the stored document had.
	assert.Equal(t, "2-rev", final["_rev"])
	assert.Equal(t, "fresh title", final["title"])
	assert.Equal(t, []any{"keep me"}, final["recommendations"])
}

func TestUpsertConflictRetriesExhausted(t *testing.T) {
	gets := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gets++
			json.NewEncoder(w).Encode(map[string]any{
				"_id":    "acme/widgets-3",
				"_rev":   fmt.Sprintf("%d-rev", gets),
				"number": 3,
				"title":  "always different",
			})
		case http.MethodPut:
			w.WriteHeader(http.StatusConflict)
		}
	})

	st := newTestStore(t, handler, "acme/widgets")

	_, err := st.Upsert(context.Background(), testItem(3, "incoming title"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpsertRetriesAsCreateWhenDocumentVanishes(t *testing.T) {
	gets := 0
	var puts []map[string]any
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			gets++
			if gets == 1 {
				json.NewEncoder(w).Encode(map[string]any{
					"_id": "acme/widgets-5", "_rev": "1-rev", "number": 5, "title": "doomed",
				})
				return
			}
			http.NotFound(w, r)
		case http.MethodPut:
			var doc map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
			puts = append(puts, doc)
			if len(puts) == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}
	})

	st := newTestStore(t, handler, "acme/widgets")

	result, err := st.Upsert(context.Background(), testItem(5, "reborn"))
	require.NoError(t, err)
	assert.Equal(t, ResultCreated, result)

	require.Len(t, puts, 2)
	_, hasRev := puts[1]["_rev"]
	assert.False(t, hasRev)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t, newFakeCouch(), "acme/widgets")
	ctx := context.Background()
	require.NoError(t, st.EnsureDatabase(ctx))

	_, err := st.Upsert(ctx, testItem(11, "to remove"))
	require.NoError(t, err)

	ok, err := st.Delete(ctx, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Delete(ctx, 11)
	require.NoError(t, err)
	assert.False(t, ok)

	doc, err := st.Get(ctx, models.DocumentKey("acme/widgets", 11))
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestAllDocumentsMissingDatabase(t *testing.T) {
	st := newTestStore(t, newFakeCouch(), "acme/widgets")

	docs, err := st.AllDocuments(context.Background())
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestAllDocumentsSkipsDesignDocs(t *testing.T) {
	couch := newFakeCouch()
	couch.dbs["issues-acme-widgets"] = map[string]map[string]any{
		"acme/widgets-1": {"_id": "acme/widgets-1", "_rev": "1-rev", "number": float64(1)},
		"_design/views":  {"_id": "_design/views", "_rev": "1-rev"},
	}
	st := newTestStore(t, couch, "acme/widgets")

	docs, err := st.AllDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, float64(1), docs[0]["number"])
}

func TestDocumentsEqualIgnoresInternalFields(t *testing.T) {
	a := map[string]any{
		"number":      float64(1),
		"title":       "same",
		"_id":         "acme/widgets-1",
		"_rev":        "4-rev",
		"pulled_date": "2024-06-01T12:00:00Z",
	}
	b := map[string]any{
		"number":      float64(1),
		"title":       "same",
		"pulled_date": "2023-01-01T00:00:00Z",
	}
	assert.True(t, DocumentsEqual(a, b))

	b["title"] = "different"
	assert.False(t, DocumentsEqual(a, b))
}

func TestMergeDocuments(t *testing.T) {
	current := map[string]any{
		"_id":             "acme/widgets-2",
		"_rev":            "3-rev",
		"title":           "stale",
		"recommendations": []any{"extra"},
	}
	incoming := map[string]any{
		"_rev":  "1-rev",
		"title": "fresh",
		"state": "closed",
	}

	merged := MergeDocuments(current, incoming)
	assert.Equal(t, "3-rev", merged["_rev"])
	assert.Equal(t, "fresh", merged["title"])
	assert.Equal(t, "closed", merged["state"])
	assert.Equal(t, []any{"extra"}, merged["recommendations"])
}
