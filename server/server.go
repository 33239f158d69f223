package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brettboylen/reddit-dau/models"
	"github.com/brettboylen/reddit-dau/stats"
	"github.com/brettboylen/reddit-dau/utils"
)

const shutdownTimeout = 5 * time.Second

// Store is the read side of the aggregate database
type Store interface {
	GetDailyAggregates(ctx context.Context, start, end string) ([]models.DailyAggregate, error)
	ListSubreddits(ctx context.Context, start, end string) ([]string, error)
}

// Server is a read-only HTTP API over stored aggregates
type Server struct {
	echo  *echo.Echo
	store Store
	port  int
	log   *logrus.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type subredditsResponse struct {
	Start      string   `json:"start"`
	End        string   `json:"end"`
	Count      int      `json:"count"`
	Subreddits []string `json:"subreddits"`
}

// New creates a new server. gatherer backs /metrics and may be nil.
func New(store Store, gatherer prometheus.Gatherer, port, maxRequestsPerMinute int, log *logrus.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig(maxRequestsPerMinute)))

	s := &Server{echo: e, store: store, port: port, log: log}

	e.GET("/api/daily", s.handleDaily)
	e.GET("/api/monthly", s.handleMonthly)
	e.GET("/api/subreddits", s.handleSubreddits)

	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	return s
}

func rateLimiterConfig(maxRequestsPerMinute int) middleware.RateLimiterConfig {
	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0
	rateLimit := rate.Limit(requestsPerSecond * 0.95) // stay under the advertised limit

	deny := func(c echo.Context) error {
		return c.JSON(http.StatusTooManyRequests, errorResponse{
			Error: "Rate limit exceeded, please try again later",
		})
	}

	return middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1, // no burst capability
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return deny(c)
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return deny(c)
		},
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		serverAddr := fmt.Sprintf(":%d", s.port)
		s.log.WithField("port", s.port).Info("Starting API server")
		if err := s.echo.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}
	s.log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

// dateRange reads the inclusive start and end query parameters
func dateRange(c echo.Context) (time.Time, time.Time, error) {
	start, end := c.QueryParam("start"), c.QueryParam("end")
	if start == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end query parameters are required (YYYY-MM-DD)")
	}
	return utils.ParseDateRange(start, end)
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func (s *Server) internalError(c echo.Context, err error) error {
	s.log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) handleDaily(c echo.Context) error {
	start, end, err := dateRange(c)
	if err != nil {
		return badRequest(c, err)
	}

	daily, err := s.store.GetDailyAggregates(c.Request().Context(), models.DayKey(start), models.DayKey(end))
	if err != nil {
		return s.internalError(c, err)
	}
	if daily == nil {
		daily = []models.DailyAggregate{}
	}
	return c.JSON(http.StatusOK, daily)
}

func (s *Server) handleMonthly(c echo.Context) error {
	start, end, err := dateRange(c)
	if err != nil {
		return badRequest(c, err)
	}

	daily, err := s.store.GetDailyAggregates(c.Request().Context(), models.DayKey(start), models.DayKey(end))
	if err != nil {
		return s.internalError(c, err)
	}
	return c.JSON(http.StatusOK, stats.AggregateMonthly(daily, start, end))
}

func (s *Server) handleSubreddits(c echo.Context) error {
	start, end, err := dateRange(c)
	if err != nil {
		return badRequest(c, err)
	}

	subs, err := s.store.ListSubreddits(c.Request().Context(), models.DayKey(start), models.DayKey(end))
	if err != nil {
		return s.internalError(c, err)
	}
	if subs == nil {
		subs = []string{}
	}
	return c.JSON(http.StatusOK, subredditsResponse{
		Start:      models.DayKey(start),
		End:        models.DayKey(end),
		Count:      len(subs),
		Subreddits: subs,
	})
}
