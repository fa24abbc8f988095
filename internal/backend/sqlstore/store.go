// Package sqlstore implements the directory's storage primitives on
// database/sql. The postgres and sqlite drivers share it and differ only in
// how they connect, migrate and bind placeholders.
//
// Schema (see the drivers' migrations):
//
//	accounts (id, password_hash)
//	emails   (id, account_id, address UNIQUE)
//	pubkeys  (id, email_id, content, UNIQUE(email_id, content))
//	staged   (id, secret UNIQUE, kind, address UNIQUE, existing, pubkey, password_hash, created_at)
//
// created_at holds unix milliseconds.
//
// Insertion order of emails and keys is the order of their ids.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/dbx"
	"github.com/dmitrijs2005/keydir/internal/models"
)

var errNotConfigured = errors.New("storage is not configured")

// Store runs the directory queries against one *sql.DB.
type Store struct {
	db    *sql.DB
	style int
}

// New binds a Store to db; style is a dbx placeholder style.
func New(db *sql.DB, style int) *Store {
	return &Store{db: db, style: style}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Store) q(query string) string {
	return dbx.Rebind(s.style, query)
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errNotConfigured
	}
	return nil
}

func (s *Store) EmailKnown(ctx context.Context, address string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ok, err := dbx.Exists(ctx, s.db, s.q(`SELECT 1 FROM emails WHERE address = ?`), address)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

func (s *Store) IsStaged(ctx context.Context, address string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ok, err := dbx.Exists(ctx, s.db, s.q(`SELECT 1 FROM staged WHERE address = ?`), address)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

func (s *Store) CheckAuth(ctx context.Context, address string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	query := `SELECT a.password_hash FROM accounts a
		JOIN emails e ON e.account_id = a.id
		WHERE e.address = ?`

	var hash string
	err := s.db.QueryRowContext(ctx, s.q(query), address).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", common.ErrorNotFound
		}
		return "", fmt.Errorf("db error: %w", err)
	}
	return hash, nil
}

func (s *Store) PubkeysForEmail(ctx context.Context, address string) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	emailID, _, err := s.lookupEmail(ctx, s.db, address)
	if err != nil {
		return nil, err
	}
	return s.keys(ctx, s.db, emailID)
}

func (s *Store) AddKeyToEmail(ctx context.Context, owner, address, pubkey string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		emailID, err := s.owned(ctx, tx, owner, address)
		if err != nil {
			return err
		}
		return s.insertKey(ctx, tx, emailID, pubkey)
	})
}

func (s *Store) EmailsBelongToSameAccount(ctx context.Context, a, b string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	query := `SELECT 1 FROM emails ea
		JOIN emails eb ON eb.account_id = ea.account_id
		WHERE ea.address = ? AND eb.address = ?`

	ok, err := dbx.Exists(ctx, s.db, s.q(query), a, b)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ok, nil
}

func (s *Store) RemoveEmail(ctx context.Context, owner, address string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.owned(ctx, tx, owner, address); err != nil {
			return err
		}
		if err := s.detach(ctx, tx, address); err != nil {
			return err
		}
		query := `DELETE FROM staged WHERE kind = ? AND existing = ?`
		if _, err := tx.ExecContext(ctx, s.q(query), string(models.KindAddEmail), address); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (s *Store) CancelAccount(ctx context.Context, address string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		_, accountID, err := s.lookupEmail(ctx, tx, address)
		if err != nil {
			return err
		}

		query := `DELETE FROM staged WHERE kind = ?
			AND existing IN (SELECT address FROM emails WHERE account_id = ?)`
		if _, err := tx.ExecContext(ctx, s.q(query), string(models.KindAddEmail), accountID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		steps := []string{
			`DELETE FROM pubkeys WHERE email_id IN (SELECT id FROM emails WHERE account_id = ?)`,
			`DELETE FROM emails WHERE account_id = ?`,
			`DELETE FROM accounts WHERE id = ?`,
		}
		for _, query := range steps {
			if _, err := tx.ExecContext(ctx, s.q(query), accountID); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Stage(ctx context.Context, rec models.StagedRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if rec.Kind == models.KindAddEmail {
			if _, _, err := s.lookupEmail(ctx, tx, rec.Existing); err != nil {
				if errors.Is(err, common.ErrorNotFound) {
					return common.ErrorUnknownOwner
				}
				return err
			}
		}

		query := `INSERT INTO staged (secret, kind, address, existing, pubkey, password_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (address) DO UPDATE SET
				secret = excluded.secret,
				kind = excluded.kind,
				existing = excluded.existing,
				pubkey = excluded.pubkey,
				password_hash = excluded.password_hash,
				created_at = excluded.created_at`

		_, err := tx.ExecContext(ctx, s.q(query),
			rec.Secret, string(rec.Kind), rec.Address, rec.Existing, rec.Pubkey, rec.PasswordHash, rec.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (s *Store) Verify(ctx context.Context, secret string) (*models.StagedRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var rec models.StagedRecord
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `DELETE FROM staged WHERE secret = ?
			RETURNING secret, kind, address, existing, pubkey, password_hash, created_at`

		var kind string
		var created int64
		err := tx.QueryRowContext(ctx, s.q(query), secret).Scan(
			&rec.Secret, &kind, &rec.Address, &rec.Existing, &rec.Pubkey, &rec.PasswordHash, &created)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrorNotFound
			}
			return fmt.Errorf("db error: %w", err)
		}
		rec.Kind = models.StageKind(kind)
		rec.CreatedAt = time.UnixMilli(created).UTC()

		switch rec.Kind {
		case models.KindNewAccount:
			return s.createAccount(ctx, tx, rec)
		case models.KindAddEmail:
			return s.attach(ctx, tx, rec)
		default:
			return fmt.Errorf("%w: unknown staged kind %q", common.ErrorInternal, kind)
		}
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) AccountEmails(ctx context.Context, address string) ([]models.EmailRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	_, accountID, err := s.lookupEmail(ctx, s.db, address)
	if err != nil {
		return nil, err
	}

	query := `SELECT e.address, p.content FROM emails e
		LEFT JOIN pubkeys p ON p.email_id = e.id
		WHERE e.account_id = ?
		ORDER BY e.id, p.id`

	rows, err := s.db.QueryContext(ctx, s.q(query), accountID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []models.EmailRecord
	for rows.Next() {
		var addr string
		var key sql.NullString
		if err := rows.Scan(&addr, &key); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if n := len(result); n == 0 || result[n-1].Address != addr {
			result = append(result, models.EmailRecord{Address: addr, Keys: []string{}})
		}
		if key.Valid {
			last := &result[len(result)-1]
			last.Keys = append(last.Keys, key.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}
