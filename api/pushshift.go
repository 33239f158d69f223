package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/reddit-dau/models"
)

const (
	DefaultBaseURL  = "https://api.pushshift.io/reddit"
	DefaultPageSize = 500 // max items per search call
	MaxPageSize     = 1000

	searchFields   = "author,subreddit,created_utc,id"
	maxErrBodySize = 512
)

// ErrUnexpectedStatus is wrapped by errors for non-200 search responses
var ErrUnexpectedStatus = errors.New("unexpected status")

// RequestObserver receives one call per HTTP attempt. status is 0 on transport errors.
type RequestObserver interface {
	ObserveRequest(kind models.RecordKind, status int, elapsed time.Duration)
}

// PushshiftConfig configures the Pushshift search client
type PushshiftConfig struct {
	BaseURL         string
	UserAgent       string
	PageSize        int
	Timeout         time.Duration
	RequestInterval time.Duration // minimum spacing between any two calls
	Backoff         BackoffPolicy
}

// PushshiftClient pages through the comment and submission search endpoints
type PushshiftClient struct {
	baseURL    string
	userAgent  string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    BackoffPolicy
	observer   RequestObserver
	log        *logrus.Logger
}

type searchResponse struct {
	Data []models.Record `json:"data"`
}

// NewPushshiftClient creates a new client. The limiter is shared by every caller
// of the client, so pacing holds across concurrent workers.
func NewPushshiftClient(cfg PushshiftConfig, observer RequestObserver, log *logrus.Logger) *PushshiftClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestInterval > 0 {
		limit = rate.Every(cfg.RequestInterval)
	}

	return &PushshiftClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		backoff:    cfg.Backoff.normalize(),
		observer:   observer,
		log:        log,
	}
}

// PageSize returns the number of records requested per call
func (c *PushshiftClient) PageSize() int {
	return c.pageSize
}

// FetchPage fetches the next page of kind records for day after cursor, ascending
// by created_utc. A page shorter than the page size, or one whose last record
// reaches the end of the day, exhausts the day. An error means every attempt failed.
func (c *PushshiftClient) FetchPage(ctx context.Context, kind models.RecordKind, day time.Time, cursor models.Cursor) (models.Page, error) {
	start, end := models.DayBounds(day)

	lower := start
	if cursor.Valid {
		lower = cursor.After + 1
	}
	if lower > end {
		// already past end of day
		return models.Page{Cursor: cursor, Exhausted: true}, nil
	}

	params := url.Values{}
	params.Set("after", strconv.FormatInt(lower, 10))
	params.Set("before", strconv.FormatInt(end, 10))
	params.Set("size", strconv.Itoa(c.pageSize))
	params.Set("sort", "asc")
	params.Set("sort_type", "created_utc")
	params.Set("fields", searchFields)

	dayKey := models.DayKey(day)
	policy := newRetryPolicy[[]models.Record](ctx, c.backoff, func(attempt int, err error) {
		c.log.WithError(err).WithFields(logrus.Fields{
			"day":          dayKey,
			"kind":         kind,
			"attempt":      attempt,
			"max_attempts": c.backoff.MaxAttempts,
			"backoff":      c.backoff.Delay(attempt),
		}).Warn("Pushshift request failed, backing off")
	})

	attempts := 0
	records, err := failsafe.With[[]models.Record](policy).WithContext(ctx).Get(func() ([]models.Record, error) {
		attempts++
		return c.search(ctx, kind, params)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.Page{Cursor: cursor}, ctxErr
		}
		return models.Page{Cursor: cursor}, fmt.Errorf("failed to fetch %s page for %s after %d attempts: %w", kind, dayKey, attempts, err)
	}

	if len(records) == 0 {
		return models.Page{Cursor: cursor, Exhausted: true}, nil
	}

	next := cursor
	if last := records[len(records)-1].Timestamp(); !cursor.Valid || last > cursor.After {
		next = models.CursorAt(last)
	}

	return models.Page{
		Records:   records,
		Cursor:    next,
		Exhausted: len(records) < c.pageSize || next.After >= end,
	}, nil
}

// search performs a single search call
func (c *PushshiftClient) search(ctx context.Context, kind models.RecordKind, params url.Values) ([]models.Record, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/%s/search?%s", c.baseURL, kind, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	c.log.WithFields(logrus.Fields{
		"kind":   kind,
		"after":  params.Get("after"),
		"before": params.Get("before"),
		"size":   params.Get("size"),
	}).Debug("Requesting Pushshift search page")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(kind, 0, started)
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	c.observe(kind, resp.StatusCode, started)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
		c.log.WithFields(logrus.Fields{
			"kind":          kind,
			"status_code":   resp.StatusCode,
			"retry_after":   getHeaderAsInt(resp.Header, "Retry-After"),
			"ratelimit_rem": getHeaderAsInt(resp.Header, "X-Ratelimit-Remaining"),
			"response_body": string(body),
		}).Warn("Pushshift error response")
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, string(body))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if sr.Data == nil {
		return nil, errors.New("response has no data array")
	}

	return sr.Data, nil
}

func (c *PushshiftClient) observe(kind models.RecordKind, status int, started time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(kind, status, time.Since(started))
	}
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}
