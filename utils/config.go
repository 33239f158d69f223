package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-dau/models"
)

// minContributorFraction keeps the extrapolation finite
const minContributorFraction = 1e-6

// ErrInvalidDateRange is returned when the start date is after the end date
var ErrInvalidDateRange = errors.New("invalid date range")

// Config holds all configuration for the application
type Config struct {
	Pushshift PushshiftConfig
	Database  DatabaseConfig
	Estimate  EstimateConfig
	Server    ServerConfig
	Log       LogConfig
}

// PushshiftConfig holds Pushshift search API configuration
type PushshiftConfig struct {
	BaseURL         string
	UserAgent       string
	PageSize        int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	RequestInterval time.Duration
	Timeout         time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string
}

// EstimateConfig holds the date range and reporting options of a run
type EstimateConfig struct {
	Start                time.Time
	End                  time.Time
	MaxDays              int // 0 means no cap
	Workers              int
	ContributorFraction  float64
	ExcludedAuthors      []string
	SubredditsOutfile    string
	PrintSubredditsLimit int
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Enabled              bool
	Port                 int
	MaxRequestsPerMinute int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Path string // optional file the log is also written to
}

// Overrides are command-line values that take precedence over the environment.
// nil fields were not given.
type Overrides struct {
	Start               *string
	End                 *string
	MaxDays             *int
	ContributorFraction *float64
	Workers             *int
	Serve               *bool
}

// LoadConfig loads configuration from the environment, optionally seeded from an
// .env file, applies overrides and validates the result
func LoadConfig(envPath string, overrides Overrides, log *logrus.Logger) (*Config, error) {
	if envPath == "" {
		envPath = ".env"
	}

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
		log.WithField("file", envPath).Debug("No .env file found, using environment only")
	}

	startStr := getEnv("DAU_START", "2024-09-01")
	endStr := getEnv("DAU_END", "2025-09-30")
	if overrides.Start != nil {
		startStr = *overrides.Start
	}
	if overrides.End != nil {
		endStr = *overrides.End
	}
	start, end, err := ParseDateRange(startStr, endStr)
	if err != nil {
		return nil, err
	}

	config := &Config{
		Pushshift: PushshiftConfig{
			BaseURL:         getEnv("PUSHSHIFT_BASE_URL", "https://api.pushshift.io/reddit"),
			UserAgent:       getEnv("PUSHSHIFT_USER_AGENT", "reddit-dau/1.0"),
			PageSize:        getEnvAsInt("PUSHSHIFT_PAGE_SIZE", 500),
			MaxAttempts:     getEnvAsInt("PUSHSHIFT_MAX_ATTEMPTS", 5),
			BackoffBase:     getEnvAsDuration("PUSHSHIFT_BACKOFF_BASE", time.Second),
			BackoffFactor:   getEnvAsFloat("PUSHSHIFT_BACKOFF_FACTOR", 1.6),
			BackoffMax:      getEnvAsDuration("PUSHSHIFT_BACKOFF_MAX", 30*time.Second),
			RequestInterval: getEnvAsDuration("PUSHSHIFT_REQUEST_INTERVAL", 200*time.Millisecond),
			Timeout:         getEnvAsDuration("PUSHSHIFT_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/reddit_dau_pushshift.sqlite"),
		},
		Estimate: EstimateConfig{
			Start:                start,
			End:                  end,
			MaxDays:              getEnvAsInt("DAU_MAX_DAYS", 0),
			Workers:              getEnvAsInt("DAU_WORKERS", 1),
			ContributorFraction:  getEnvAsFloat("DAU_CONTRIBUTOR_FRACTION", 0.06),
			ExcludedAuthors:      parseList(getEnv("DAU_EXCLUDED_AUTHORS", "")),
			SubredditsOutfile:    getEnv("DAU_SUBREDDITS_OUTFILE", "./data/subreddits_checked.txt"),
			PrintSubredditsLimit: getEnvAsInt("DAU_PRINT_SUBREDDITS_LIMIT", 100),
		},
		Server: ServerConfig{
			Enabled:              getEnvAsBool("SERVER_ENABLED", false),
			Port:                 getEnvAsInt("SERVER_PORT", 8080),
			MaxRequestsPerMinute: getEnvAsInt("SERVER_MAX_REQUESTS_PER_MINUTE", 100),
		},
		Log: LogConfig{
			Path: getEnv("DAU_LOG_PATH", ""),
		},
	}

	if overrides.MaxDays != nil {
		config.Estimate.MaxDays = *overrides.MaxDays
	}
	if overrides.ContributorFraction != nil {
		config.Estimate.ContributorFraction = *overrides.ContributorFraction
	}
	if overrides.Workers != nil {
		config.Estimate.Workers = *overrides.Workers
	}
	if overrides.Serve != nil {
		config.Server.Enabled = *overrides.Serve
	}

	if config.Estimate.ContributorFraction < minContributorFraction {
		config.Estimate.ContributorFraction = minContributorFraction
	}

	// validation
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	log.WithField("file", envPath).Info("Config loaded successfully")
	return config, nil
}

// ParseDateRange parses two inclusive YYYY-MM-DD dates
func ParseDateRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := models.ParseDay(strings.TrimSpace(startStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startStr, err)
	}
	end, err := models.ParseDay(strings.TrimSpace(endStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endStr, err)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is after end %s",
			ErrInvalidDateRange, models.DayKey(start), models.DayKey(end))
	}
	return start, end, nil
}

// parseList parses a comma-separated list, dropping empty entries
func parseList(value string) []string {
	parts := strings.Split(value, ",")

	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt gets an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("250ms", "2s")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Estimate.Start.After(config.Estimate.End) {
		return fmt.Errorf("%w: DAU_START must not be after DAU_END", ErrInvalidDateRange)
	}
	if config.Pushshift.BaseURL == "" {
		return fmt.Errorf("PUSHSHIFT_BASE_URL environment variable is required")
	}
	if config.Pushshift.PageSize < 1 || config.Pushshift.PageSize > 1000 {
		return fmt.Errorf("PUSHSHIFT_PAGE_SIZE must be between 1 and 1000")
	}
	if config.Pushshift.MaxAttempts < 1 {
		return fmt.Errorf("PUSHSHIFT_MAX_ATTEMPTS must be positive")
	}
	if config.Pushshift.BackoffFactor < 1 {
		return fmt.Errorf("PUSHSHIFT_BACKOFF_FACTOR must be at least 1")
	}
	if config.Estimate.Workers < 1 {
		return fmt.Errorf("DAU_WORKERS must be positive")
	}
	if config.Estimate.MaxDays < 0 {
		return fmt.Errorf("DAU_MAX_DAYS must not be negative")
	}
	if config.Server.Enabled && config.Server.MaxRequestsPerMinute < 1 {
		return fmt.Errorf("SERVER_MAX_REQUESTS_PER_MINUTE must be positive")
	}

	// if we are storing the db in a nested directory, create the directory
	dbDir := filepath.Dir(config.Database.Path)
	if dbDir != "." && dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}
