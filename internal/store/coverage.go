package store

import (
	"time"

	"github.com/mirrorops/ghmirror/internal/models"
)

// TimestampField names the document timestamp coverage is computed over:
// createdAt for backfill runs, updatedAt for incremental runs.
type TimestampField string

const (
	FieldCreated TimestampField = "createdAt"
	FieldUpdated TimestampField = "updatedAt"
)

// DefaultCoverageMargin expands the covered range on both ends when
// deciding whether a page can be skipped. Many items can share a boundary
// timestamp; without the margin a page sitting entirely on the boundary
// could be skipped while sibling items with the same timestamp are missing.
const DefaultCoverageMargin = 24 * time.Hour

// Coverage is the timestamp range already represented in the store.
// Invariant: Earliest <= Latest.
type Coverage struct {
	Earliest time.Time
	Latest   time.Time
}

// ComputeCoverage derives the covered range from stored documents by
// scanning the chosen timestamp field. Returns nil when the store is empty
// or the field is absent on every document.
func ComputeCoverage(docs []map[string]any, field TimestampField) *Coverage {
	var cov *Coverage
	for _, doc := range docs {
		ts, ok := documentTime(doc, field)
		if !ok {
			continue
		}
		if cov == nil {
			cov = &Coverage{Earliest: ts, Latest: ts}
			continue
		}
		if ts.Before(cov.Earliest) {
			cov.Earliest = ts
		}
		if ts.After(cov.Latest) {
			cov.Latest = ts
		}
	}
	return cov
}

// PageNeedsProcessing reports whether any item in the page falls strictly
// outside the covered range expanded by margin on both ends. A nil coverage
// or an empty page always needs processing.
func PageNeedsProcessing(items []models.Item, cov *Coverage, field TimestampField, margin time.Duration) bool {
	if cov == nil || len(items) == 0 {
		return true
	}
	earliest := cov.Earliest.Add(-margin)
	latest := cov.Latest.Add(margin)
	for i := range items {
		ts := itemTime(&items[i], field)
		if ts.Before(earliest) || ts.After(latest) {
			return true
		}
	}
	return false
}

// KnownNumbers collects the issue numbers already present in the store.
func KnownNumbers(docs []map[string]any) map[int]bool {
	known := make(map[int]bool, len(docs))
	for _, doc := range docs {
		if n, ok := doc["number"].(float64); ok {
			known[int(n)] = true
		}
	}
	return known
}

// LatestUpdatedAt returns the most recent updatedAt across stored
// documents: the watermark for the next incremental run.
func LatestUpdatedAt(docs []map[string]any) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, doc := range docs {
		ts, ok := documentTime(doc, FieldUpdated)
		if !ok {
			continue
		}
		if !found || ts.After(latest) {
			latest = ts
			found = true
		}
	}
	return latest, found
}

func documentTime(doc map[string]any, field TimestampField) (time.Time, bool) {
	raw, ok := doc[string(field)].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func itemTime(item *models.Item, field TimestampField) time.Time {
	if field == FieldCreated {
		return item.CreatedAt
	}
	return item.UpdatedAt
}
