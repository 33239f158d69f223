package models

import (
	"strings"
	"time"
)

// DayLayout is the storage and CLI format for calendar days
const DayLayout = "2006-01-02"

// RecordKind identifies one of the two record streams fetched per day
type RecordKind string

const (
	KindComment    RecordKind = "comment"
	KindSubmission RecordKind = "submission"
)

// RecordKinds lists the kinds in the order a day is processed
var RecordKinds = []RecordKind{KindComment, KindSubmission}

// Record is a single comment or submission as returned by the search endpoint
type Record struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Subreddit  string  `json:"subreddit"`
	CreatedUTC float64 `json:"created_utc"`
}

// Timestamp returns created_utc as whole seconds
func (r Record) Timestamp() int64 {
	return int64(r.CreatedUTC)
}

// Cursor is the last processed created_utc for a (day, kind); the zero value means not started
type Cursor struct {
	After int64 `json:"after"`
	Valid bool  `json:"valid"`
}

// CursorAt returns a set cursor at ts
func CursorAt(ts int64) Cursor {
	return Cursor{After: ts, Valid: true}
}

// Page is one fetched page of records
type Page struct {
	Records   []Record
	Cursor    Cursor
	Exhausted bool
}

// DayCheckpoint tracks fetch progress for one (day, kind)
type DayCheckpoint struct {
	Day     string     `json:"day"`
	Kind    RecordKind `json:"kind"`
	Cursor  Cursor     `json:"cursor"`
	Done    bool       `json:"done"`
	Retries int        `json:"retries"`
	Records int        `json:"records"`
}

// DailyAggregate is the per-day summary row
type DailyAggregate struct {
	Day                    string    `json:"day"`
	UniqueAuthorCount      int       `json:"unique_author_count"`
	PostCount              int       `json:"post_count"`
	CommentCount           int       `json:"comment_count"`
	DistinctSubredditCount int       `json:"distinct_subreddit_count"`
	Complete               bool      `json:"complete"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// MonthlyAggregate is a calendar-month rollup of daily aggregates.
// GrowthPct is nil for the first month present in a result.
type MonthlyAggregate struct {
	Month            string   `json:"month"`
	Year             int      `json:"year"`
	MonthOfYear      int      `json:"month_of_year"`
	Days             int      `json:"days"`
	AvgUniqueAuthors float64  `json:"avg_unique_authors"`
	GrowthPct        *float64 `json:"growth_pct"`
}

// defaultExcludedAuthors are sentinels that never count as a human contributor
var defaultExcludedAuthors = []string{"AutoModerator", "[deleted]", "[removed]", "None", ""}

// ExcludedAuthors is the set of author identifiers ignored when counting contributors
type ExcludedAuthors map[string]struct{}

// NewExcludedAuthors returns the default sentinels plus any extras
func NewExcludedAuthors(extra ...string) ExcludedAuthors {
	set := make(ExcludedAuthors, len(defaultExcludedAuthors)+len(extra))
	for _, a := range defaultExcludedAuthors {
		set[a] = struct{}{}
	}
	for _, a := range extra {
		set[strings.TrimSpace(a)] = struct{}{}
	}
	return set
}

// Contains reports whether author is excluded
func (e ExcludedAuthors) Contains(author string) bool {
	_, ok := e[author]
	return ok
}

// DayBounds returns the closed [start, end] timestamp window of a UTC day
func DayBounds(day time.Time) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24*time.Hour - time.Second)
	return start.Unix(), end.Unix()
}

// DayKey formats a day for storage
func DayKey(day time.Time) string {
	return day.UTC().Format(DayLayout)
}

// ParseDay parses a YYYY-MM-DD day as UTC midnight
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.UTC)
}

// DaysBetween returns every day in [start, end] inclusive
func DaysBetween(start, end time.Time) []time.Time {
	days := make([]time.Time, 0)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}
