// Package sync drives the synchronization of one GitHub repository into
// the document store: strategy selection, coverage-based skip decisions,
// per-item detail fetch, and conflict-aware upserts.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mirrorops/ghmirror/internal/api"
	"github.com/mirrorops/ghmirror/internal/models"
	"github.com/mirrorops/ghmirror/internal/store"
)

// Mode selects the run strategy.
type Mode string

const (
	// ModeCreate backfills historical items, skipping already-known
	// numbers, ordered ascending by creation time.
	ModeCreate Mode = "create"

	// ModeUpdate fetches items changed since the stored watermark.
	ModeUpdate Mode = "update"
)

// ItemTypes selects which record kinds a cursor-paged run traverses.
type ItemTypes string

const (
	ItemsIssues ItemTypes = "issues"
	ItemsPRs    ItemTypes = "prs"
	ItemsBoth   ItemTypes = "both"
)

// incrementalLookback is subtracted from the watermark before an
// incremental run to absorb timestamp and pagination inconsistencies at
// the boundary.
const incrementalLookback = 7 * 24 * time.Hour

// PageSource is the common contract of the two pagination strategies: a
// lazy, finite, forward-only sequence of pages.
type PageSource interface {
	NextPage(ctx context.Context) (items []models.Item, hasMore bool, err error)
}

// DocumentStore is the slice of the store the syncer needs.
type DocumentStore interface {
	Repo() string
	EnsureDatabase(ctx context.Context) error
	AllDocuments(ctx context.Context) ([]map[string]any, error)
	Upsert(ctx context.Context, item *models.Item) (store.Result, error)
}

// DetailFetcher retrieves the per-item data the page strategies do not
// carry.
type DetailFetcher interface {
	GetIssue(ctx context.Context, owner, name string, number int) (*models.Item, error)
	GetComments(ctx context.Context, owner, name string, number int) ([]models.Comment, error)
	GetCrossReferences(ctx context.Context, owner, name string, number int) ([]models.CrossReference, error)
}

// Options configure a single run.
type Options struct {
	Mode          Mode
	IncludeClosed bool
	// StartDate overrides the computed since watermark.
	StartDate *time.Time
	// Refetch re-pulls items the store already has: known-number filtering
	// and coverage gating are disabled, and an explicit StartDate takes
	// precedence over the stored watermark.
	Refetch   bool
	ItemTypes ItemTypes
	// Numbers, when set, fetches exactly these items and nothing else.
	Numbers []int
}

// Summary reports what a run did.
type Summary struct {
	Processed int
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Comments  int
	CrossRefs int
}

// Syncer synchronizes one repository. It owns no run state: every run
// recomputes known numbers, coverage and the watermark from the store, so
// an interrupted run can always be restarted safely.
type Syncer struct {
	store    DocumentStore
	details  DetailFetcher
	progress Progress
	margin   time.Duration

	// pager constructors; replaceable in tests
	newCursorPager func(owner, name, kind string, order api.SortField, includeClosed bool) PageSource
	newSincePager  func(owner, name string, since time.Time, includeClosed bool) PageSource
}

// New creates a syncer. A nil progress discards events.
func New(st DocumentStore, rest *api.Client, gql *api.GraphQLClient, progress Progress) *Syncer {
	if progress == nil {
		progress = nopProgress{}
	}
	return &Syncer{
		store:    st,
		details:  rest,
		progress: progress,
		margin:   store.DefaultCoverageMargin,
		newCursorPager: func(owner, name, kind string, order api.SortField, includeClosed bool) PageSource {
			return gql.Pager(owner, name, kind, order, includeClosed)
		},
		newSincePager: func(owner, name string, since time.Time, includeClosed bool) PageSource {
			return rest.UpdatedSince(owner, name, since, includeClosed)
		},
	}
}

// Run executes one synchronization run. Items already written stay durable
// even when the run returns an error.
func (s *Syncer) Run(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary

	owner, name, err := ParseRepositoryString(s.store.Repo())
	if err != nil {
		return sum, err
	}
	if err := s.store.EnsureDatabase(ctx); err != nil {
		return sum, err
	}

	if opts.ItemTypes == "" {
		opts.ItemTypes = ItemsBoth
	}

	if len(opts.Numbers) > 0 {
		err := s.runNumbers(ctx, owner, name, opts.Numbers, &sum)
		s.progress.RunFinished(sum)
		return sum, err
	}

	docs, err := s.store.AllDocuments(ctx)
	if err != nil {
		return sum, err
	}

	switch opts.Mode {
	case ModeCreate:
		err = s.runBackfill(ctx, owner, name, docs, opts, &sum)
	case ModeUpdate:
		err = s.runIncremental(ctx, owner, name, docs, opts, &sum)
	default:
		return sum, fmt.Errorf("unknown sync mode %q", opts.Mode)
	}

	s.progress.RunFinished(sum)
	return sum, err
}

// runBackfill traverses the full corpus ascending by creation time,
// dropping items whose number is already stored unless refetching.
func (s *Syncer) runBackfill(ctx context.Context, owner, name string, docs []map[string]any, opts Options, sum *Summary) error {
	var known map[int]bool
	if !opts.Refetch {
		known = store.KnownNumbers(docs)
	}

	for _, kind := range kinds(opts.ItemTypes) {
		pager := s.newCursorPager(owner, name, kind, api.SortCreated, opts.IncludeClosed)
		if err := s.drainCursorPages(ctx, owner, name, kind, pager, known, nil, sum); err != nil {
			return err
		}
	}
	return nil
}

// runIncremental pulls items changed since the watermark. With no usable
// watermark it falls back to a full cursor traversal gated by coverage.
func (s *Syncer) runIncremental(ctx context.Context, owner, name string, docs []map[string]any, opts Options, sum *Summary) error {
	since, ok := s.sinceWatermark(docs, opts)
	if ok {
		pager := s.newSincePager(owner, name, since, opts.IncludeClosed)
		page := 0
		for {
			items, hasMore, err := pager.NextPage(ctx)
			if err != nil {
				return err
			}
			page++
			s.progress.PageFetched("items", page, len(items))
			if err := s.processPage(ctx, owner, name, items, sum); err != nil {
				return err
			}
			if !hasMore {
				return nil
			}
		}
	}

	// No watermark: full traversal ordered by update time, skipping pages
	// the store already covers unless refetching.
	var coverage *store.Coverage
	if !opts.Refetch {
		coverage = store.ComputeCoverage(docs, store.FieldUpdated)
	}
	for _, kind := range kinds(opts.ItemTypes) {
		pager := s.newCursorPager(owner, name, kind, api.SortUpdated, opts.IncludeClosed)
		if err := s.drainCursorPages(ctx, owner, name, kind, pager, nil, coverage, sum); err != nil {
			return err
		}
	}
	return nil
}

// sinceWatermark resolves the since filter for an incremental run: the
// explicit start date on refetch, otherwise the stored watermark minus a
// fixed lookback, otherwise the start date if given.
func (s *Syncer) sinceWatermark(docs []map[string]any, opts Options) (time.Time, bool) {
	if opts.Refetch && opts.StartDate != nil {
		return *opts.StartDate, true
	}
	if latest, ok := store.LatestUpdatedAt(docs); ok {
		return latest.Add(-incrementalLookback), true
	}
	if opts.StartDate != nil {
		return *opts.StartDate, true
	}
	return time.Time{}, false
}

// drainCursorPages runs a cursor pager to completion. known, when set,
// drops already-stored numbers (create mode); coverage, when set, gates
// whole pages (update-mode fallback). A page left empty by filtering still
// advances on hasMore rather than terminating the loop.
func (s *Syncer) drainCursorPages(ctx context.Context, owner, name, kind string, pager PageSource, known map[int]bool, coverage *store.Coverage, sum *Summary) error {
	page := 0
	for {
		items, hasMore, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		page++
		s.progress.PageFetched(kind, page, len(items))

		if known != nil {
			filtered := items[:0:0]
			for _, item := range items {
				if !known[item.Number] {
					filtered = append(filtered, item)
				}
			}
			if dropped := len(items) - len(filtered); dropped > 0 {
				s.progress.PageFiltered(kind, page, dropped, len(filtered))
			}
			items = filtered
		}

		if len(items) > 0 {
			if coverage != nil && !store.PageNeedsProcessing(items, coverage, store.FieldUpdated, s.margin) {
				s.progress.PageSkipped(kind, page)
			} else if err := s.processPage(ctx, owner, name, items, sum); err != nil {
				return err
			}
		}

		if !hasMore {
			return nil
		}
	}
}

// runNumbers fetches specific items directly, bypassing pagination and
// filtering. Items are refetched even when already stored.
func (s *Syncer) runNumbers(ctx context.Context, owner, name string, numbers []int, sum *Summary) error {
	for _, number := range numbers {
		item, err := s.details.GetIssue(ctx, owner, name, number)
		if err != nil {
			return err
		}
		if item == nil {
			sum.Skipped++
			s.progress.ItemSkipped(number, errors.New("not found"))
			continue
		}
		if err := s.processItem(ctx, owner, name, *item, sum); err != nil {
			return err
		}
	}
	return nil
}

// processPage processes a page's items strictly in order. Failure on one
// item never aborts the page: upserts are independently idempotent.
func (s *Syncer) processPage(ctx context.Context, owner, name string, items []models.Item, sum *Summary) error {
	for _, item := range items {
		if err := s.processItem(ctx, owner, name, item, sum); err != nil {
			return err
		}
	}
	return nil
}

// processItem fetches an item's details and upserts it. A detail-fetch
// failure or an exhausted conflict retry skips the item; storing an
// incomplete item would lose data on the next equality check. Store
// transport failures are fatal to the run.
func (s *Syncer) processItem(ctx context.Context, owner, name string, item models.Item, sum *Summary) error {
	comments, err := s.details.GetComments(ctx, owner, name, item.Number)
	if err != nil {
		sum.Skipped++
		s.progress.ItemSkipped(item.Number, fmt.Errorf("failed to fetch comments: %w", err))
		return nil
	}
	crossRefs, err := s.details.GetCrossReferences(ctx, owner, name, item.Number)
	if err != nil {
		sum.Skipped++
		s.progress.ItemSkipped(item.Number, fmt.Errorf("failed to fetch cross-references: %w", err))
		return nil
	}

	item.Comments = comments
	item.CrossReferences = crossRefs

	result, err := s.store.Upsert(ctx, &item)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			sum.Skipped++
			s.progress.ItemSkipped(item.Number, err)
			return nil
		}
		return err
	}

	sum.Processed++
	sum.Comments += len(comments)
	sum.CrossRefs += len(crossRefs)
	switch result {
	case store.ResultCreated:
		sum.Created++
	case store.ResultUpdated:
		sum.Updated++
	case store.ResultUnchanged:
		sum.Unchanged++
	}
	s.progress.ItemStored(item.Number, result, len(comments), len(crossRefs))
	return nil
}

func kinds(t ItemTypes) []string {
	switch t {
	case ItemsIssues:
		return []string{models.KindIssue}
	case ItemsPRs:
		return []string{models.KindPullRequest}
	default:
		return []string{models.KindIssue, models.KindPullRequest}
	}
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
