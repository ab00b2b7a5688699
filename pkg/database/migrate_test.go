package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"testing/fstest"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	createTrackingSQL = regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")
	existsSQL         = regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)")
	recordSQL         = regexp.QuoteMeta("INSERT INTO schema_migrations (version) VALUES ($1)")
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRunMigrations_AppliesPendingInOrder(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	files := fstest.MapFS{
		"002_gift_cards.up.sql": {Data: []byte("CREATE TABLE gift_cards (id TEXT)")},
		"001_sessions.up.sql":   {Data: []byte("CREATE TABLE checkout_sessions (id UUID)")},
		"001_sessions.down.sql": {Data: []byte("DROP TABLE checkout_sessions")},
	}

	mock.ExpectExec(createTrackingSQL).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	mock.ExpectQuery(existsSQL).WithArgs("001_sessions.up.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectQuery(existsSQL).WithArgs("002_gift_cards.up.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE gift_cards (id TEXT)")).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(recordSQL).WithArgs("002_gift_cards.up.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, RunMigrations(context.Background(), mock, files, quietLogger()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_SQLErrorIsNotRetried(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	files := fstest.MapFS{"001_bad.up.sql": {Data: []byte("CREATE TABLE oops (")}}

	mock.ExpectExec(createTrackingSQL).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(existsSQL).WithArgs("001_bad.up.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE oops (")).WillReturnError(errors.New("syntax error at end of input"))
	mock.ExpectRollback()

	err = RunMigrations(context.Background(), mock, files, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute migration 001_bad.up.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, isConnectionError(nil))
	assert.True(t, isConnectionError(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")))
	assert.True(t, isConnectionError(errors.New("read: connection reset by peer")))
	assert.False(t, isConnectionError(errors.New("duplicate key value violates unique constraint")))
}
