// Package sqlite is the embedded directory driver. It uses the pure-Go
// modernc.org/sqlite engine, so the binary needs no cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/sqlite/migrations"
	"github.com/dmitrijs2005/keydir/internal/backend/sqlstore"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/dbx"
	"github.com/dmitrijs2005/keydir/internal/filex"
)

// Driver stores the directory in a single sqlite file.
type Driver struct {
	*sqlstore.Store
}

var _ backend.Driver = (*Driver)(nil)

func New() backend.Driver {
	return &Driver{}
}

// goose keeps its dialect and base FS in globals.
var migrateMu sync.Mutex

// RunMigrations applies the embedded schema to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// DSN turns a file path into a modernc connection string with the pragmas
// the driver depends on.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep +
		"_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Open creates or opens cfg.DataPath and migrates it.
func (d *Driver) Open(ctx context.Context, cfg *config.Config) error {
	if cfg.DataPath == "" {
		return fmt.Errorf("db open error: empty data path")
	}

	if _, err := filex.EnsureParentDir(cfg.DataPath); err != nil {
		return fmt.Errorf("db open error: %w", err)
	}

	db, err := sql.Open("sqlite", DSN(cfg.DataPath))
	if err != nil {
		return fmt.Errorf("db open error: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("db ping error: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migration error: %w", err)
	}

	d.Store = sqlstore.New(db, dbx.Question)
	return nil
}

func (d *Driver) Close() error {
	db := d.DB()
	if db == nil {
		return nil
	}
	d.Store = nil
	return db.Close()
}
