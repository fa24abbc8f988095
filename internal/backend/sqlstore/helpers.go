package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/dbx"
	"github.com/dmitrijs2005/keydir/internal/models"
)

func (s *Store) lookupEmail(ctx context.Context, db dbx.DBTX, address string) (emailID, accountID int64, err error) {
	err = db.QueryRowContext(ctx, s.q(`SELECT id, account_id FROM emails WHERE address = ?`), address).
		Scan(&emailID, &accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, common.ErrorNotFound
		}
		return 0, 0, fmt.Errorf("db error: %w", err)
	}
	return emailID, accountID, nil
}

// owned returns address's email id if owner belongs to the same account.
func (s *Store) owned(ctx context.Context, db dbx.DBTX, owner, address string) (int64, error) {
	emailID, accountID, err := s.lookupEmail(ctx, db, address)
	if err != nil {
		return 0, err
	}
	_, ownerAccount, err := s.lookupEmail(ctx, db, owner)
	if errors.Is(err, common.ErrorNotFound) || (err == nil && ownerAccount != accountID) {
		return 0, common.ErrorNotOwner
	}
	if err != nil {
		return 0, err
	}
	return emailID, nil
}

func (s *Store) keys(ctx context.Context, db dbx.DBTX, emailID int64) ([]string, error) {
	rows, err := db.QueryContext(ctx, s.q(`SELECT content FROM pubkeys WHERE email_id = ? ORDER BY id`), emailID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return keys, nil
}

func (s *Store) insertKey(ctx context.Context, db dbx.DBTX, emailID int64, pubkey string) error {
	query := `INSERT INTO pubkeys (email_id, content) VALUES (?, ?)
		ON CONFLICT (email_id, content) DO NOTHING`
	if _, err := db.ExecContext(ctx, s.q(query), emailID, pubkey); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *Store) insertEmail(ctx context.Context, db dbx.DBTX, accountID int64, address, pubkey string) error {
	var emailID int64
	err := db.QueryRowContext(ctx, s.q(`INSERT INTO emails (account_id, address) VALUES (?, ?) RETURNING id`),
		accountID, address).Scan(&emailID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return s.insertKey(ctx, db, emailID, pubkey)
}

// detach deletes address and its keys, and its account if nothing is left in
// it. Unknown addresses are ignored.
func (s *Store) detach(ctx context.Context, db dbx.DBTX, address string) error {
	emailID, accountID, err := s.lookupEmail(ctx, db, address)
	if errors.Is(err, common.ErrorNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM pubkeys WHERE email_id = ?`), emailID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM emails WHERE id = ?`), emailID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	query := `DELETE FROM accounts WHERE id = ?
		AND NOT EXISTS (SELECT 1 FROM emails WHERE account_id = ?)`
	if _, err := db.ExecContext(ctx, s.q(query), accountID, accountID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// createAccount applies a redeemed new-account record. An address verified
// elsewhere is moved to the new account.
func (s *Store) createAccount(ctx context.Context, db dbx.DBTX, rec models.StagedRecord) error {
	if err := s.detach(ctx, db, rec.Address); err != nil {
		return err
	}

	var accountID int64
	err := db.QueryRowContext(ctx, s.q(`INSERT INTO accounts (password_hash) VALUES (?) RETURNING id`),
		rec.PasswordHash).Scan(&accountID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return s.insertEmail(ctx, db, accountID, rec.Address, rec.Pubkey)
}

// attach applies a redeemed add-email record to the account of rec.Existing.
func (s *Store) attach(ctx context.Context, db dbx.DBTX, rec models.StagedRecord) error {
	_, accountID, err := s.lookupEmail(ctx, db, rec.Existing)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorUnknownOwner
		}
		return err
	}

	emailID, current, err := s.lookupEmail(ctx, db, rec.Address)
	switch {
	case err == nil && current == accountID:
		return s.insertKey(ctx, db, emailID, rec.Pubkey)
	case err != nil && !errors.Is(err, common.ErrorNotFound):
		return err
	}

	if err := s.detach(ctx, db, rec.Address); err != nil {
		return err
	}
	return s.insertEmail(ctx, db, accountID, rec.Address, rec.Pubkey)
}
