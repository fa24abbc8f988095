// Package bolt is the embedded key/value directory driver backed by bbolt.
//
// Buckets:
//
//	accounts     sequence id -> {password_hash, emails}
//	emails       address     -> {account, keys}
//	staged       secret      -> models.StagedRecord
//	staged_addr  address     -> secret
//
// Every mutation runs in a single read-write transaction, and bbolt admits
// one writer at a time.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/filex"
	"github.com/dmitrijs2005/keydir/internal/models"
)

var (
	accountsBucket   = []byte("accounts")
	emailsBucket     = []byte("emails")
	stagedBucket     = []byte("staged")
	stagedAddrBucket = []byte("staged_addr")
)

type accountRecord struct {
	PasswordHash string   `json:"password_hash"`
	Emails       []string `json:"emails"`
}

type emailRecord struct {
	Account uint64   `json:"account"`
	Keys    []string `json:"keys"`
}

// Driver stores the directory in a bbolt file.
type Driver struct {
	db *bbolt.DB
}

var _ backend.Driver = (*Driver)(nil)

func New() backend.Driver {
	return &Driver{}
}

// Open opens or creates cfg.DataPath. bbolt locks the file, so a second
// process on the same path waits for cfg.OpenTimeout and then fails.
func (d *Driver) Open(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		return fmt.Errorf("storage path is required")
	}

	timeout := time.Second
	if cfg.OpenTimeout > 0 {
		timeout = cfg.OpenTimeout
	}

	if _, err := filex.EnsureParentDir(cfg.DataPath); err != nil {
		return fmt.Errorf("open storage db: %w", err)
	}

	db, err := bbolt.Open(filepath.Clean(cfg.DataPath), 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return fmt.Errorf("open storage db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, emailsBucket, stagedBucket, stagedAddrBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	d.db = db
	return nil
}

func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	db := d.db
	d.db = nil
	return db.Close()
}

func (d *Driver) view(ctx context.Context, fn func(*txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return d.db.View(func(tx *bbolt.Tx) error { return fn(&txn{tx}) })
}

func (d *Driver) update(ctx context.Context, fn func(*txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return d.db.Update(func(tx *bbolt.Tx) error { return fn(&txn{tx}) })
}

func (d *Driver) EmailKnown(ctx context.Context, address string) (known bool, err error) {
	err = d.view(ctx, func(t *txn) error {
		known = t.tx.Bucket(emailsBucket).Get([]byte(address)) != nil
		return nil
	})
	return known, err
}

func (d *Driver) IsStaged(ctx context.Context, address string) (staged bool, err error) {
	err = d.view(ctx, func(t *txn) error {
		staged = t.tx.Bucket(stagedAddrBucket).Get([]byte(address)) != nil
		return nil
	})
	return staged, err
}

func (d *Driver) CheckAuth(ctx context.Context, address string) (hash string, err error) {
	err = d.view(ctx, func(t *txn) error {
		e, err := t.email(address)
		if err != nil {
			return err
		}
		a, err := t.account(e.Account)
		if err != nil {
			return err
		}
		hash = a.PasswordHash
		return nil
	})
	return hash, err
}

func (d *Driver) PubkeysForEmail(ctx context.Context, address string) (keys []string, err error) {
	err = d.view(ctx, func(t *txn) error {
		e, err := t.email(address)
		if err != nil {
			return err
		}
		keys = append([]string{}, e.Keys...)
		return nil
	})
	return keys, err
}

func (d *Driver) AddKeyToEmail(ctx context.Context, owner, address, pubkey string) error {
	return d.update(ctx, func(t *txn) error {
		target, err := t.owned(owner, address)
		if err != nil {
			return err
		}
		if slices.Contains(target.Keys, pubkey) {
			return nil
		}
		target.Keys = append(target.Keys, pubkey)
		return t.putEmail(address, target)
	})
}

func (d *Driver) EmailsBelongToSameAccount(ctx context.Context, a, b string) (same bool, err error) {
	err = d.view(ctx, func(t *txn) error {
		ea, err := t.email(a)
		if err != nil {
			return ignoreNotFound(err)
		}
		eb, err := t.email(b)
		if err != nil {
			return ignoreNotFound(err)
		}
		same = ea.Account == eb.Account
		return nil
	})
	return same, err
}

func (d *Driver) RemoveEmail(ctx context.Context, owner, address string) error {
	return d.update(ctx, func(t *txn) error {
		if _, err := t.owned(owner, address); err != nil {
			return err
		}
		if err := t.detach(address); err != nil {
			return err
		}
		return t.dropStagedBy(address)
	})
}

func (d *Driver) CancelAccount(ctx context.Context, address string) error {
	return d.update(ctx, func(t *txn) error {
		e, err := t.email(address)
		if err != nil {
			return err
		}
		a, err := t.account(e.Account)
		if err != nil {
			return err
		}
		emails := t.tx.Bucket(emailsBucket)
		for _, addr := range a.Emails {
			if err := emails.Delete([]byte(addr)); err != nil {
				return err
			}
			if err := t.dropStagedBy(addr); err != nil {
				return err
			}
		}
		return t.tx.Bucket(accountsBucket).Delete(itob(e.Account))
	})
}

func (d *Driver) Stage(ctx context.Context, rec models.StagedRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal staged record: %w", err)
	}

	return d.update(ctx, func(t *txn) error {
		if rec.Kind == models.KindAddEmail {
			if _, err := t.email(rec.Existing); err != nil {
				if err == common.ErrorNotFound {
					return common.ErrorUnknownOwner
				}
				return err
			}
		}

		byAddr := t.tx.Bucket(stagedAddrBucket)
		staged := t.tx.Bucket(stagedBucket)
		if prior := byAddr.Get([]byte(rec.Address)); prior != nil {
			if err := staged.Delete(prior); err != nil {
				return err
			}
		}
		if err := staged.Put([]byte(rec.Secret), payload); err != nil {
			return err
		}
		return byAddr.Put([]byte(rec.Address), []byte(rec.Secret))
	})
}

func (d *Driver) Verify(ctx context.Context, secret string) (*models.StagedRecord, error) {
	var rec models.StagedRecord
	err := d.update(ctx, func(t *txn) error {
		staged := t.tx.Bucket(stagedBucket)
		payload := staged.Get([]byte(secret))
		if payload == nil {
			return common.ErrorNotFound
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("unmarshal staged record: %w", err)
		}

		var err error
		switch rec.Kind {
		case models.KindNewAccount:
			err = t.createAccount(rec)
		case models.KindAddEmail:
			err = t.attach(rec)
		default:
			err = fmt.Errorf("%w: unknown staged kind %q", common.ErrorInternal, rec.Kind)
		}
		if err != nil {
			return err
		}

		if err := staged.Delete([]byte(secret)); err != nil {
			return err
		}
		return t.tx.Bucket(stagedAddrBucket).Delete([]byte(rec.Address))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (d *Driver) AccountEmails(ctx context.Context, address string) (out []models.EmailRecord, err error) {
	err = d.view(ctx, func(t *txn) error {
		e, err := t.email(address)
		if err != nil {
			return err
		}
		a, err := t.account(e.Account)
		if err != nil {
			return err
		}
		out = make([]models.EmailRecord, 0, len(a.Emails))
		for _, addr := range a.Emails {
			rec, err := t.email(addr)
			if err != nil {
				return err
			}
			out = append(out, models.EmailRecord{Address: addr, Keys: append([]string{}, rec.Keys...)})
		}
		return nil
	})
	return out, err
}

func ignoreNotFound(err error) error {
	if err == common.ErrorNotFound {
		return nil
	}
	return err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
