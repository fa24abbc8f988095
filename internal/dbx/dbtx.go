// Package dbx provides the small database/sql helpers shared by the SQL
// drivers: a handle interface satisfied by both *sql.DB and *sql.Tx, a
// transaction runner, and placeholder rebinding between dialects.
package dbx

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

// DBTX is the subset of database/sql used by the drivers.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx begins a transaction, runs fn with a transactional handle, and then
// commits on success or rolls back on error/panic. Panics are rethrown.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "DELETE FROM staged WHERE secret = ?", s)
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// Exists runs a query expected to return at most one row and reports whether
// it returned one. The selected columns are ignored.
func Exists(ctx context.Context, db DBTX, query string, args ...any) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Placeholder styles.
const (
	Question = iota // ? (sqlite, mysql)
	Dollar          // $1, $2, ... (postgres)
)

// Rebind rewrites ? placeholders in query to the given style. Queries must not
// contain literal question marks.
func Rebind(style int, query string) string {
	if style != Dollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
