package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keydir/internal/backend/postgres/migrations"
	"github.com/dmitrijs2005/keydir/internal/config"
)

// stubSeams routes sql.Open to a sqlmock handle and goose to migrate.
func stubSeams(t *testing.T, migrate func() error) (sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.MonitorPingsOption(true),
	)
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}

	origOpen, origUp := sqlOpen, gooseUpContext
	sqlOpen = func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "pgx" {
			return nil, errors.New("unexpected driver " + driverName)
		}
		return db, nil
	}
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		return migrate()
	}
	t.Cleanup(func() {
		sqlOpen, gooseUpContext = origOpen, origUp
	})
	return mock, db
}

func cfg() *config.Config {
	return &config.Config{Driver: config.DriverPostgres, DatabaseDSN: "postgres://u:p@localhost:5432/keydir"}
}

func TestOpen_Success(t *testing.T) {
	mock, _ := stubSeams(t, func() error { return nil })
	mock.ExpectPing()

	d := New().(*Driver)
	require.NoError(t, d.Open(context.Background(), cfg()))
	require.NotNil(t, d.DB())

	mock.ExpectQuery(`(?s)^SELECT\s+1\s+FROM\s+emails\s+WHERE\s+address\s*=\s*\$1\s*$`).
		WithArgs("a@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	ok, err := d.EmailKnown(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectClose()
	require.NoError(t, d.Close())
	assert.Nil(t, d.DB())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen_Unreachable(t *testing.T) {
	mock, _ := stubSeams(t, func() error {
		t.Fatal("migrations must not run when ping fails")
		return nil
	})
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	d := New().(*Driver)
	err := d.Open(context.Background(), cfg())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db ping error")
	assert.Nil(t, d.DB())
}

func TestOpen_MigrationError(t *testing.T) {
	mock, _ := stubSeams(t, func() error { return errors.New("boom") })
	mock.ExpectPing()
	mock.ExpectClose()

	d := New().(*Driver)
	err := d.Open(context.Background(), cfg())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration error: boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseBeforeOpen(t *testing.T) {
	d := New()
	assert.NoError(t, d.Close())

	_, err := d.EmailKnown(context.Background(), "a@example.com")
	assert.Error(t, err)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrations.Migrations, ".")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "00001_directory.sql", entries[0].Name())
}
