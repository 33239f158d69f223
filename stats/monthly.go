package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-dau/models"
)

const monthLayout = "2006-01"

// monthSpan is one calendar month clipped to a requested range
type monthSpan struct {
	key   string
	year  int
	month time.Month
	from  string
	to    string
}

// monthsBetween returns every calendar month overlapping [start, end], clipped to it
func monthsBetween(start, end time.Time) []monthSpan {
	spans := make([]monthSpan, 0)
	if end.Before(start) {
		return spans
	}

	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(end); m = m.AddDate(0, 1, 0) {
		first := m
		last := m.AddDate(0, 1, -1)
		if first.Before(start) {
			first = start
		}
		if last.After(end) {
			last = end
		}
		spans = append(spans, monthSpan{
			key:   m.Format(monthLayout),
			year:  m.Year(),
			month: m.Month(),
			from:  models.DayKey(first),
			to:    models.DayKey(last),
		})
	}
	return spans
}

// AggregateMonthly rolls daily rows up into calendar months of [start, end], in
// order. Months without rows are left out. Growth is measured against the nearest
// earlier month present in the result and is nil for the first one, or when that
// month averaged zero. Incomplete days are included.
func AggregateMonthly(daily []models.DailyAggregate, start, end time.Time) []models.MonthlyAggregate {
	result := make([]models.MonthlyAggregate, 0)
	prevAvg, hasPrev := 0.0, false

	for _, span := range monthsBetween(start, end) {
		total, n := 0, 0
		for _, d := range daily {
			if d.Day >= span.from && d.Day <= span.to {
				total += d.UniqueAuthorCount
				n++
			}
		}
		if n == 0 {
			continue
		}

		month := models.MonthlyAggregate{
			Month:            span.key,
			Year:             span.year,
			MonthOfYear:      int(span.month),
			Days:             n,
			AvgUniqueAuthors: float64(total) / float64(n),
		}
		if hasPrev && prevAvg > 0 {
			growth := 100 * (month.AvgUniqueAuthors - prevAvg) / prevAvg
			month.GrowthPct = &growth
		}

		result = append(result, month)
		prevAvg, hasPrev = month.AvgUniqueAuthors, true
	}

	return result
}

// Monthly reads the stored daily aggregates of [start, end] and rolls them up by month
func (e *Estimator) Monthly(ctx context.Context, start, end time.Time) ([]models.MonthlyAggregate, error) {
	daily, err := e.store.GetDailyAggregates(ctx, models.DayKey(start), models.DayKey(end))
	if err != nil {
		return nil, fmt.Errorf("failed to load daily aggregates: %w", err)
	}

	incomplete := 0
	for _, d := range daily {
		if !d.Complete {
			incomplete++
		}
	}
	if incomplete > 0 {
		e.log.WithField("incomplete_days", incomplete).
			Warn("Monthly averages include incomplete days")
	}

	months := AggregateMonthly(daily, start, end)

	present := make(map[string]bool, len(months))
	for _, m := range months {
		present[m.Month] = true
	}
	for _, span := range monthsBetween(start, end) {
		if !present[span.key] {
			e.log.WithFields(logrus.Fields{"month": span.key}).Warn("No daily data stored for month")
		}
	}

	return months, nil
}
