package db

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettboylen/reddit-dau/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	database, err := NewDatabase(filepath.Join(t.TempDir(), "dau.sqlite"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestLoadCheckpointInitializesUnstarted(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)

	assert.Equal(t, "2024-09-01", cp.Day)
	assert.Equal(t, models.KindComment, cp.Kind)
	assert.False(t, cp.Cursor.Valid)
	assert.False(t, cp.Done)
	assert.Equal(t, 0, cp.Retries)
	assert.Equal(t, 0, cp.Records)
}

func TestSavePageAdvancesCheckpoint(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)

	cp.Cursor = models.CursorAt(1725148900)
	require.NoError(t, database.SavePage(ctx, cp, []string{"alice", "bob"}, []string{"golang"}, 3))

	cp.Cursor = models.CursorAt(1725149000)
	cp.Done = true
	require.NoError(t, database.SavePage(ctx, cp, []string{"bob", "carol"}, []string{"golang", "rust"}, 2))

	got, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)
	assert.Equal(t, models.CursorAt(1725149000), got.Cursor)
	assert.True(t, got.Done)
	assert.Equal(t, 5, got.Records)

	authors, subs, err := database.DayTotals(ctx, "2024-09-01")
	require.NoError(t, err)
	assert.Equal(t, 3, authors)
	assert.Equal(t, 2, subs)
}

func TestSavePageNeverMovesCursorBackwards(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindSubmission)
	require.NoError(t, err)

	cp.Cursor = models.CursorAt(1725149000)
	require.NoError(t, database.SavePage(ctx, cp, nil, nil, 1))

	cp.Cursor = models.CursorAt(1725148000)
	require.NoError(t, database.SavePage(ctx, cp, nil, nil, 0))

	got, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindSubmission)
	require.NoError(t, err)
	assert.Equal(t, models.CursorAt(1725149000), got.Cursor)
}

func TestCheckpointsAreKeyedByDayAndKind(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)
	cp.Cursor = models.CursorAt(1725149000)
	cp.Done = true
	require.NoError(t, database.SavePage(ctx, cp, []string{"alice"}, nil, 1))

	other, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindSubmission)
	require.NoError(t, err)
	assert.False(t, other.Done)
	assert.False(t, other.Cursor.Valid)

	nextDay, err := database.LoadCheckpoint(ctx, "2024-09-02", models.KindComment)
	require.NoError(t, err)
	assert.False(t, nextDay.Done)

	authors, _, err := database.DayTotals(ctx, "2024-09-02")
	require.NoError(t, err)
	assert.Equal(t, 0, authors)
}

func TestRecordStall(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	_, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindSubmission)
	require.NoError(t, err)

	require.NoError(t, database.RecordStall(ctx, "2024-09-01", models.KindSubmission))
	require.NoError(t, database.RecordStall(ctx, "2024-09-01", models.KindSubmission))

	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindSubmission)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Retries)
	assert.False(t, cp.Done)
}

func TestUpsertDailyOverwrites(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	require.NoError(t, database.UpsertDaily(ctx, models.DailyAggregate{
		Day: "2024-09-01", UniqueAuthorCount: 10, PostCount: 4, CommentCount: 20,
		DistinctSubredditCount: 3, Complete: false,
	}))
	require.NoError(t, database.UpsertDaily(ctx, models.DailyAggregate{
		Day: "2024-09-01", UniqueAuthorCount: 12, PostCount: 5, CommentCount: 25,
		DistinctSubredditCount: 4, Complete: true,
	}))

	aggs, err := database.GetDailyAggregates(ctx, "2024-09-01", "2024-09-01")
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	agg := aggs[0]
	assert.Equal(t, 12, agg.UniqueAuthorCount)
	assert.Equal(t, 5, agg.PostCount)
	assert.Equal(t, 25, agg.CommentCount)
	assert.Equal(t, 4, agg.DistinctSubredditCount)
	assert.True(t, agg.Complete)
	assert.WithinDuration(t, time.Now(), agg.UpdatedAt, time.Minute)
}

func TestGetDailyAggregatesRange(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	for _, day := range []string{"2024-09-03", "2024-08-31", "2024-09-01", "2024-10-01"} {
		require.NoError(t, database.UpsertDaily(ctx, models.DailyAggregate{Day: day, UniqueAuthorCount: 1}))
	}

	aggs, err := database.GetDailyAggregates(ctx, "2024-09-01", "2024-09-30")
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	assert.Equal(t, "2024-09-01", aggs[0].Day)
	assert.Equal(t, "2024-09-03", aggs[1].Day)
}

func TestListSubreddits(t *testing.T) {
	database := openTestDatabase(t)
	ctx := context.Background()

	for day, subs := range map[string][]string{
		"2024-09-01": {"golang", "AskReddit"},
		"2024-09-02": {"golang", "rust"},
		"2024-10-01": {"outside"},
	} {
		cp, err := database.LoadCheckpoint(ctx, day, models.KindComment)
		require.NoError(t, err)
		require.NoError(t, database.SavePage(ctx, cp, nil, subs, len(subs)))
	}

	subs, err := database.ListSubreddits(ctx, "2024-09-01", "2024-09-30")
	require.NoError(t, err)
	assert.Equal(t, []string{"AskReddit", "golang", "rust"}, subs)
}

func TestDatabaseSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dau.sqlite")
	ctx := context.Background()

	database, err := NewDatabase(path, testLogger())
	require.NoError(t, err)
	cp, err := database.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)
	cp.Cursor = models.CursorAt(1725149000)
	require.NoError(t, database.SavePage(ctx, cp, []string{"alice"}, nil, 1))
	require.NoError(t, database.Close())

	reopened, err := NewDatabase(path, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LoadCheckpoint(ctx, "2024-09-01", models.KindComment)
	require.NoError(t, err)
	assert.Equal(t, models.CursorAt(1725149000), got.Cursor)
	assert.Equal(t, 1, got.Records)
}

func newMockDatabase(t *testing.T) (*Database, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS fetch_checkpoint").WillReturnResult(sqlmock.NewResult(0, 0))
	database, err := newDatabase(sqlDB, testLogger())
	require.NoError(t, err)
	return database, mock
}

func TestUpsertDailyWrapsDriverError(t *testing.T) {
	database, mock := newMockDatabase(t)

	mock.ExpectExec("INSERT INTO daily_dau").WillReturnError(errors.New("disk I/O error"))

	err := database.UpsertDaily(context.Background(), models.DailyAggregate{Day: "2024-09-01"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upsert daily aggregate 2024-09-01")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePageRollsBackOnAuthorInsertFailure(t *testing.T) {
	database, mock := newMockDatabase(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE fetch_checkpoint").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectPrepare("INSERT OR IGNORE INTO authors_seen").
		ExpectExec().WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	cp := models.DayCheckpoint{Day: "2024-09-01", Kind: models.KindComment, Cursor: models.CursorAt(1725149000)}
	err := database.SavePage(context.Background(), cp, []string{"alice"}, nil, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save authors")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDatabaseFailsWhenSchemaFails(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))

	_, err = newDatabase(sqlDB, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize tables")
}
