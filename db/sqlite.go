package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/brettboylen/reddit-dau/models"
)

// Database persists fetch checkpoints and daily aggregates
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase opens (or creates) the sqlite database at dbPath
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database, err := newDatabase(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

func newDatabase(db *sql.DB, log *logrus.Logger) (*Database, error) {
	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

// initTables creates the necessary tables if they don't exist
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	CREATE TABLE IF NOT EXISTS fetch_checkpoint (
		day TEXT NOT NULL,
		kind TEXT NOT NULL,
		last_after INTEGER,
		done INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		records INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, kind)
	);
	CREATE TABLE IF NOT EXISTS daily_dau (
		day TEXT PRIMARY KEY,
		dau_contrib INTEGER NOT NULL,
		posts INTEGER NOT NULL,
		comments INTEGER NOT NULL,
		subreddits INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subreddits_seen (
		day TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		PRIMARY KEY (day, subreddit)
	);
	CREATE TABLE IF NOT EXISTS authors_seen (
		day TEXT NOT NULL,
		author TEXT NOT NULL,
		PRIMARY KEY (day, author)
	);
	`

	_, err := d.db.Exec(query)
	return err
}

// LoadCheckpoint returns the checkpoint for (day, kind), creating an unstarted one if absent
func (d *Database) LoadCheckpoint(ctx context.Context, day string, kind models.RecordKind) (models.DayCheckpoint, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fetch_checkpoint (day, kind, last_after, done, retries, records) VALUES (?, ?, NULL, 0, 0, 0)`,
		day, string(kind),
	)
	if err != nil {
		return models.DayCheckpoint{}, fmt.Errorf("failed to init checkpoint %s/%s: %w", day, kind, err)
	}

	cp := models.DayCheckpoint{Day: day, Kind: kind}
	var lastAfter sql.NullInt64
	err = d.db.QueryRowContext(ctx,
		`SELECT last_after, done, retries, records FROM fetch_checkpoint WHERE day = ? AND kind = ?`,
		day, string(kind),
	).Scan(&lastAfter, &cp.Done, &cp.Retries, &cp.Records)
	if err != nil {
		return models.DayCheckpoint{}, fmt.Errorf("failed to load checkpoint %s/%s: %w", day, kind, err)
	}

	cp.Cursor = models.Cursor{After: lastAfter.Int64, Valid: lastAfter.Valid}
	return cp, nil
}

// SavePage records one fetched page: it advances the checkpoint and adds the page's
// authors, subreddits and record count in a single transaction. The stored cursor
// never moves backwards.
func (d *Database) SavePage(ctx context.Context, cp models.DayCheckpoint, authors, subreddits []string, records int) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastAfter sql.NullInt64
	if cp.Cursor.Valid {
		lastAfter = sql.NullInt64{Int64: cp.Cursor.After, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE fetch_checkpoint
	   SET last_after = CASE WHEN last_after IS NULL OR ?1 > last_after THEN ?1 ELSE last_after END,
	       done = ?2,
	       records = records + ?3
	 WHERE day = ?4 AND kind = ?5
	`, lastAfter, cp.Done, records, cp.Day, string(cp.Kind))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", cp.Day, cp.Kind, err)
	}

	if err := insertIgnore(ctx, tx, `INSERT OR IGNORE INTO authors_seen (day, author) VALUES (?, ?)`, cp.Day, authors); err != nil {
		return fmt.Errorf("failed to save authors for %s: %w", cp.Day, err)
	}
	if err := insertIgnore(ctx, tx, `INSERT OR IGNORE INTO subreddits_seen (day, subreddit) VALUES (?, ?)`, cp.Day, subreddits); err != nil {
		return fmt.Errorf("failed to save subreddits for %s: %w", cp.Day, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit page for %s/%s: %w", cp.Day, cp.Kind, err)
	}
	return nil
}

func insertIgnore(ctx context.Context, tx *sql.Tx, query, day string, values []string) error {
	if len(values) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, day, v); err != nil {
			return err
		}
	}
	return nil
}

// RecordStall bumps the diagnostic retry counter for (day, kind)
func (d *Database) RecordStall(ctx context.Context, day string, kind models.RecordKind) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.db.ExecContext(ctx,
		`UPDATE fetch_checkpoint SET retries = retries + 1 WHERE day = ? AND kind = ?`,
		day, string(kind),
	)
	if err != nil {
		return fmt.Errorf("failed to record stall %s/%s: %w", day, kind, err)
	}
	return nil
}

// DayTotals returns the persisted distinct author and subreddit counts for day
func (d *Database) DayTotals(ctx context.Context, day string) (int, int, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var authors, subreddits int
	err := d.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM authors_seen WHERE day = ?1),
		(SELECT COUNT(*) FROM subreddits_seen WHERE day = ?1)
	`, day).Scan(&authors, &subreddits)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count totals for %s: %w", day, err)
	}
	return authors, subreddits, nil
}

// UpsertDaily writes the daily aggregate for agg.Day, replacing any previous row
func (d *Database) UpsertDaily(ctx context.Context, agg models.DailyAggregate) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if agg.UpdatedAt.IsZero() {
		agg.UpdatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO daily_dau (day, dau_contrib, posts, comments, subreddits, complete, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(day) DO UPDATE SET
		dau_contrib = excluded.dau_contrib,
		posts = excluded.posts,
		comments = excluded.comments,
		subreddits = excluded.subreddits,
		complete = excluded.complete,
		updated_at = excluded.updated_at
	`

	_, err := d.db.ExecContext(ctx, query,
		agg.Day, agg.UniqueAuthorCount, agg.PostCount, agg.CommentCount,
		agg.DistinctSubredditCount, agg.Complete, agg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily aggregate %s: %w", agg.Day, err)
	}
	return nil
}

// GetDailyAggregates returns the daily rows with start <= day <= end, ordered by day
func (d *Database) GetDailyAggregates(ctx context.Context, start, end string) ([]models.DailyAggregate, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT day, dau_contrib, posts, comments, subreddits, complete, updated_at
	FROM daily_dau
	WHERE day BETWEEN ? AND ?
	ORDER BY day ASC
	`

	rows, err := d.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make([]models.DailyAggregate, 0)
	for rows.Next() {
		var agg models.DailyAggregate
		var updatedAt string

		err := rows.Scan(
			&agg.Day, &agg.UniqueAuthorCount, &agg.PostCount, &agg.CommentCount,
			&agg.DistinctSubredditCount, &agg.Complete, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}

		agg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		aggs = append(aggs, agg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return aggs, nil
}

// ListSubreddits returns the distinct subreddits seen on days in [start, end]
func (d *Database) ListSubreddits(ctx context.Context, start, end string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT DISTINCT subreddit FROM subreddits_seen
	WHERE day BETWEEN ? AND ?
	ORDER BY subreddit COLLATE NOCASE
	`

	rows, err := d.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query subreddits: %w", err)
	}
	defer rows.Close()

	subs := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan subreddit: %w", err)
		}
		subs = append(subs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return subs, nil
}
