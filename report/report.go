package report

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/brettboylen/reddit-dau/models"
)

const (
	noGrowth    = "–"
	noMonthData = "No monthly data to display."
)

// Extrapolator projects an observed contributor DAU onto a platform-wide total
type Extrapolator interface {
	TotalDAU(contributorDAU float64) float64
	String() string
}

// ContributorFraction assumes contributors are this fraction of all daily users
type ContributorFraction float64

// TotalDAU returns contributorDAU / f, or NaN when f is not positive
func (f ContributorFraction) TotalDAU(contributorDAU float64) float64 {
	if f <= 0 {
		return math.NaN()
	}
	return contributorDAU / float64(f)
}

func (f ContributorFraction) String() string {
	return fmt.Sprintf("contributors ~%.1f%% of total", float64(f)*100)
}

// sortedMonths returns a copy of months ordered by month key
func sortedMonths(months []models.MonthlyAggregate) []models.MonthlyAggregate {
	sorted := make([]models.MonthlyAggregate, len(months))
	copy(sorted, months)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Month < sorted[j].Month })
	return sorted
}

func monthLabel(m models.MonthlyAggregate) string {
	return time.Date(m.Year, time.Month(m.MonthOfYear), 1, 0, 0, 0, 0, time.UTC).Format("Jan 2006")
}

func millions(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.1fM", v/1e6)
}

// FormatGrowth renders a growth percentage with its sign, or a dash when there is none
func FormatGrowth(pct *float64) string {
	if pct == nil || math.IsNaN(*pct) {
		return noGrowth
	}
	return fmt.Sprintf("%+.1f%%", *pct)
}

// RenderMonthly renders one column per month with the average contributor DAU in
// millions and the month over month growth
func RenderMonthly(months []models.MonthlyAggregate) string {
	if len(months) == 0 {
		return noMonthData
	}

	header := table.Row{"Metric"}
	dau := table.Row{"Estimated DAU (contributors)"}
	growth := table.Row{"MoM Growth"}
	for i, m := range sortedMonths(months) {
		header = append(header, monthLabel(m))
		dau = append(dau, millions(m.AvgUniqueAuthors))
		if i == 0 {
			growth = append(growth, noGrowth)
		} else {
			growth = append(growth, FormatGrowth(m.GrowthPct))
		}
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Format.Header = text.FormatDefault // keep month labels as written
	tbl.AppendHeader(header)
	tbl.AppendRow(dau)
	tbl.AppendRow(growth)

	return tbl.Render()
}

// RenderExtrapolation lists the projected total DAU of every month
func RenderExtrapolation(months []models.MonthlyAggregate, ex Extrapolator) string {
	if len(months) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(Info) Representativeness / Extrapolated total DAU (assuming %s):\n", ex)
	for _, m := range sortedMonths(months) {
		fmt.Fprintf(&b, "  %s: total DAU ≈ %s (from contributor DAU %s)\n",
			m.Month, millions(ex.TotalDAU(m.AvgUniqueAuthors)), millions(m.AvgUniqueAuthors))
	}
	return strings.TrimRight(b.String(), "\n")
}

// WriteSubreddits writes one subreddit per line to path, creating its directory
func WriteSubreddits(path string, subreddits []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create subreddits output directory: %w", err)
		}
	}

	var b strings.Builder
	for _, s := range subreddits {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write subreddits to %s: %w", path, err)
	}
	return nil
}

// RenderSubreddits summarizes the subreddits of a period and samples the first limit of them
func RenderSubreddits(subreddits []string, path string, limit int) string {
	summary := fmt.Sprintf("Subreddits checked in period: %s (full list saved to %s)",
		humanize.Comma(int64(len(subreddits))), path)
	if len(subreddits) == 0 || limit <= 0 {
		return summary
	}

	sample := subreddits
	if len(sample) > limit {
		sample = sample[:limit]
	}
	return fmt.Sprintf("%s\nSample (first %d):\n%s", summary, len(sample), strings.Join(sample, ", "))
}
