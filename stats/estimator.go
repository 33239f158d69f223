package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brettboylen/reddit-dau/models"
)

// Paginator fetches one page of a day's records after cursor
type Paginator interface {
	FetchPage(ctx context.Context, kind models.RecordKind, day time.Time, cursor models.Cursor) (models.Page, error)
}

// Store persists checkpoints and daily aggregates
type Store interface {
	LoadCheckpoint(ctx context.Context, day string, kind models.RecordKind) (models.DayCheckpoint, error)
	SavePage(ctx context.Context, cp models.DayCheckpoint, authors, subreddits []string, records int) error
	RecordStall(ctx context.Context, day string, kind models.RecordKind) error
	DayTotals(ctx context.Context, day string) (int, int, error)
	UpsertDaily(ctx context.Context, agg models.DailyAggregate) error
	GetDailyAggregates(ctx context.Context, start, end string) ([]models.DailyAggregate, error)
}

// Estimator computes per-day contributor counts and rolls them up by month
type Estimator struct {
	paginator Paginator
	store     Store
	excluded  models.ExcludedAuthors
	workers   int
	metrics   *Metrics
	log       *logrus.Logger
}

// RunSummary describes one Run invocation
type RunSummary struct {
	DaysRequested  int `json:"days_requested"`
	DaysProcessed  int `json:"days_processed"`
	DaysIncomplete int `json:"days_incomplete"`
	DaysSkipped    int `json:"days_skipped"` // already complete before the run
}

// NewEstimator creates a new estimator. workers > 1 processes distinct days in parallel.
func NewEstimator(
	paginator Paginator,
	store Store,
	excluded models.ExcludedAuthors,
	workers int,
	metrics *Metrics,
	log *logrus.Logger,
) *Estimator {
	if excluded == nil {
		excluded = models.NewExcludedAuthors()
	}
	if workers < 1 {
		workers = 1
	}
	return &Estimator{
		paginator: paginator,
		store:     store,
		excluded:  excluded,
		workers:   workers,
		metrics:   metrics,
		log:       log,
	}
}

// dayAccumulator is the in-memory state of one ProcessDay call
type dayAccumulator struct {
	authors    map[string]struct{}
	subreddits map[string]struct{}
	records    map[models.RecordKind]int
}

func newDayAccumulator() *dayAccumulator {
	return &dayAccumulator{
		authors:    make(map[string]struct{}),
		subreddits: make(map[string]struct{}),
		records:    make(map[models.RecordKind]int),
	}
}

// addPage folds a page into the accumulator and returns the authors and
// subreddits not yet seen in this call
func (a *dayAccumulator) addPage(kind models.RecordKind, records []models.Record, excluded models.ExcludedAuthors) ([]string, []string) {
	var newAuthors, newSubs []string
	for _, rec := range records {
		if !excluded.Contains(rec.Author) {
			if _, seen := a.authors[rec.Author]; !seen {
				a.authors[rec.Author] = struct{}{}
				newAuthors = append(newAuthors, rec.Author)
			}
		}
		if rec.Subreddit != "" {
			if _, seen := a.subreddits[rec.Subreddit]; !seen {
				a.subreddits[rec.Subreddit] = struct{}{}
				newSubs = append(newSubs, rec.Subreddit)
			}
		}
		a.records[kind]++
	}
	return newAuthors, newSubs
}

// Run processes every day in [start, end] not yet stored as complete, at most maxDays
// of them when maxDays > 0. Store failures and cancellation abort the run; fetch
// failures only leave days incomplete.
func (e *Estimator) Run(ctx context.Context, start, end time.Time, maxDays int) (RunSummary, error) {
	all := models.DaysBetween(start, end)
	summary := RunSummary{DaysRequested: len(all)}

	stored, err := e.store.GetDailyAggregates(ctx, models.DayKey(start), models.DayKey(end))
	if err != nil {
		return summary, fmt.Errorf("failed to load daily aggregates: %w", err)
	}
	complete := make(map[string]bool, len(stored))
	for _, agg := range stored {
		complete[agg.Day] = agg.Complete
	}

	days := make([]time.Time, 0, len(all))
	for _, day := range all {
		if complete[models.DayKey(day)] {
			summary.DaysSkipped++
			continue
		}
		days = append(days, day)
	}

	if maxDays > 0 && len(days) > maxDays {
		e.log.WithFields(logrus.Fields{
			"max_days": maxDays,
			"pending":  len(days),
		}).Info("Reached max days, limiting this run")
		days = days[:maxDays]
	}

	e.log.WithFields(logrus.Fields{
		"start":   models.DayKey(start),
		"end":     models.DayKey(end),
		"days":    len(days),
		"skipped": summary.DaysSkipped,
		"workers": e.workers,
	}).Info("Starting DAU run")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, day := range days {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			agg, err := e.ProcessDay(gctx, day)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.DaysProcessed++
			if !agg.Complete {
				summary.DaysIncomplete++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	e.log.WithFields(logrus.Fields{
		"days_processed":  summary.DaysProcessed,
		"days_incomplete": summary.DaysIncomplete,
	}).Info("DAU run finished")

	return summary, nil
}

// ProcessDay fetches both record streams of day to exhaustion (or a stall) and
// writes its daily aggregate. It is safe to call again for the same day: finished
// streams are not refetched and the aggregate is rebuilt from persisted state.
func (e *Estimator) ProcessDay(ctx context.Context, day time.Time) (models.DailyAggregate, error) {
	key := models.DayKey(day)
	e.log.WithField("day", key).Info("Processing day")

	acc := newDayAccumulator()
	complete := true
	final := make(map[models.RecordKind]models.DayCheckpoint, len(models.RecordKinds))

	for _, kind := range models.RecordKinds {
		cp, err := e.processKind(ctx, day, kind, acc)
		if err != nil {
			return models.DailyAggregate{}, err
		}
		if !cp.Done {
			complete = false
		}
		final[kind] = cp
	}

	authors, subreddits, err := e.store.DayTotals(ctx, key)
	if err != nil {
		return models.DailyAggregate{}, err
	}

	agg := models.DailyAggregate{
		Day:                    key,
		UniqueAuthorCount:      authors,
		PostCount:              final[models.KindSubmission].Records,
		CommentCount:           final[models.KindComment].Records,
		DistinctSubredditCount: subreddits,
		Complete:               complete,
		UpdatedAt:              time.Now().UTC(),
	}

	if err := e.store.UpsertDaily(ctx, agg); err != nil {
		return models.DailyAggregate{}, err
	}
	e.metrics.observeDay(agg)
	e.checkAnomalies(agg)

	e.log.WithFields(logrus.Fields{
		"day":            key,
		"unique_authors": humanize.Comma(int64(agg.UniqueAuthorCount)),
		"posts":          humanize.Comma(int64(agg.PostCount)),
		"comments":       humanize.Comma(int64(agg.CommentCount)),
		"subreddits":     humanize.Comma(int64(agg.DistinctSubredditCount)),
		"run_authors":    len(acc.authors),
		"run_records":    acc.records[models.KindComment] + acc.records[models.KindSubmission],
		"complete":       agg.Complete,
	}).Info("Day processed")

	return agg, nil
}

// processKind pages one record stream of day until it is done or stalls
func (e *Estimator) processKind(ctx context.Context, day time.Time, kind models.RecordKind, acc *dayAccumulator) (models.DayCheckpoint, error) {
	key := models.DayKey(day)

	cp, err := e.store.LoadCheckpoint(ctx, key, kind)
	if err != nil {
		return cp, err
	}

	for !cp.Done {
		page, fetchErr := e.paginator.FetchPage(ctx, kind, day, cp.Cursor)
		if fetchErr != nil && ctx.Err() != nil {
			return cp, ctx.Err()
		}

		advanced := page.Cursor.Valid && (!cp.Cursor.Valid || page.Cursor.After > cp.Cursor.After)
		if fetchErr != nil || (!advanced && !page.Exhausted) {
			entry := e.log.WithFields(logrus.Fields{
				"day":    key,
				"kind":   kind,
				"cursor": cp.Cursor.After,
			})
			if fetchErr != nil {
				entry = entry.WithError(fetchErr)
			}
			entry.Warn("Stream yielded no new records, leaving day incomplete for retry")

			e.metrics.observeStall(kind)
			if err := e.store.RecordStall(ctx, key, kind); err != nil {
				return cp, err
			}
			cp.Retries++
			return cp, nil
		}

		next := cp
		if advanced {
			next.Cursor = page.Cursor
		}
		next.Done = page.Exhausted
		next.Records += len(page.Records)

		authors, subreddits := acc.addPage(kind, page.Records, e.excluded)
		if err := e.store.SavePage(ctx, next, authors, subreddits, len(page.Records)); err != nil {
			return cp, fmt.Errorf("failed to checkpoint %s/%s: %w", key, kind, err)
		}
		e.metrics.observePage(kind, len(page.Records))

		e.log.WithFields(logrus.Fields{
			"day":     key,
			"kind":    kind,
			"records": len(page.Records),
			"cursor":  next.Cursor.After,
			"done":    next.Done,
		}).Debug("Page checkpointed")

		cp = next
	}

	return cp, nil
}

// checkAnomalies logs aggregates operators should look at; it never changes them
func (e *Estimator) checkAnomalies(agg models.DailyAggregate) {
	records := agg.PostCount + agg.CommentCount
	fields := logrus.Fields{
		"day":      agg.Day,
		"posts":    agg.PostCount,
		"comments": agg.CommentCount,
	}

	switch {
	case records == 0:
		e.log.WithFields(fields).Warn("No posts or comments collected; source may have gaps, will retry on next run")
	case agg.UniqueAuthorCount == 0:
		e.log.WithFields(fields).Warn("Zero unique authors despite collected records; check excluded authors or record fields")
	case agg.UniqueAuthorCount > records:
		e.log.WithFields(fields).WithField("unique_authors", agg.UniqueAuthorCount).
			Warn("More unique authors than records")
	}
}
