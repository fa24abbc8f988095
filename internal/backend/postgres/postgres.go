// Package postgres is the directory driver for PostgreSQL, connecting through
// pgx's database/sql adapter and migrating with goose.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/postgres/migrations"
	"github.com/dmitrijs2005/keydir/internal/backend/sqlstore"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/dbx"
)

// Driver stores the directory in PostgreSQL. Data operations are served by
// the embedded sqlstore.Store once Open succeeds.
type Driver struct {
	*sqlstore.Store
}

var _ backend.Driver = (*Driver)(nil)

func New() backend.Driver {
	return &Driver{}
}

// sqlOpen is a seam for testing sql.Open.
var sqlOpen = sql.Open

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded schema to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// Open connects to cfg.DatabaseDSN, checks the connection and migrates.
func (d *Driver) Open(ctx context.Context, cfg *config.Config) error {
	db, err := sqlOpen("pgx", cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("db ping error: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migration error: %w", err)
	}

	d.Store = sqlstore.New(db, dbx.Dollar)
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
