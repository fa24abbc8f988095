// Package memory is an in-process directory driver. Everything lives in maps
// behind one mutex and is lost on Close; it backs tests and throwaway runs.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/models"
)

type account struct {
	passwordHash string
	emails       []string
}

type email struct {
	account string
	keys    []string
}

// Driver keeps the directory in memory.
type Driver struct {
	mu              sync.RWMutex
	accounts        map[string]*account
	emails          map[string]*email
	staged          map[string]models.StagedRecord
	stagedByAddress map[string]string
}

var _ backend.Driver = (*Driver)(nil)

// New returns an empty driver. It is usable before Open.
func New() backend.Driver {
	d := &Driver{}
	d.reset()
	return d
}

func (d *Driver) reset() {
	d.accounts = make(map[string]*account)
	d.emails = make(map[string]*email)
	d.staged = make(map[string]models.StagedRecord)
	d.stagedByAddress = make(map[string]string)
}

func (d *Driver) Open(ctx context.Context, _ *config.Config) error {
	return ctx.Err()
}

// Close drops all data.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	return nil
}

func (d *Driver) EmailKnown(ctx context.Context, address string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.emails[address]
	return ok, nil
}

func (d *Driver) IsStaged(ctx context.Context, address string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.stagedByAddress[address]
	return ok, nil
}

func (d *Driver) CheckAuth(ctx context.Context, address string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.emails[address]
	if !ok {
		return "", common.ErrorNotFound
	}
	return d.accounts[e.account].passwordHash, nil
}

func (d *Driver) PubkeysForEmail(ctx context.Context, address string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.emails[address]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return append([]string{}, e.keys...), nil
}

func (d *Driver) AddKeyToEmail(ctx context.Context, owner, address, pubkey string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, err := d.owned(owner, address)
	if err != nil {
		return err
	}
	if !slices.Contains(target.keys, pubkey) {
		target.keys = append(target.keys, pubkey)
	}
	return nil
}

func (d *Driver) EmailsBelongToSameAccount(ctx context.Context, a, b string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ea, okA := d.emails[a]
	eb, okB := d.emails[b]
	return okA && okB && ea.account == eb.account, nil
}

func (d *Driver) RemoveEmail(ctx context.Context, owner, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.owned(owner, address); err != nil {
		return err
	}
	d.detach(address)
	d.dropStagedBy(address)
	return nil
}

func (d *Driver) CancelAccount(ctx context.Context, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.emails[address]
	if !ok {
		return common.ErrorNotFound
	}
	acct := d.accounts[e.account]
	for _, addr := range acct.emails {
		delete(d.emails, addr)
		d.dropStagedBy(addr)
	}
	delete(d.accounts, e.account)
	return nil
}

func (d *Driver) Stage(ctx context.Context, rec models.StagedRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rec.Kind == models.KindAddEmail {
		if _, ok := d.emails[rec.Existing]; !ok {
			return common.ErrorUnknownOwner
		}
	}
	if prior, ok := d.stagedByAddress[rec.Address]; ok {
		delete(d.staged, prior)
	}
	d.staged[rec.Secret] = rec
	d.stagedByAddress[rec.Address] = rec.Secret
	return nil
}

func (d *Driver) Verify(ctx context.Context, secret string) (*models.StagedRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.staged[secret]
	if !ok {
		return nil, common.ErrorNotFound
	}

	switch rec.Kind {
	case models.KindNewAccount:
		d.detach(rec.Address)
		id := uuid.NewString()
		d.accounts[id] = &account{passwordHash: rec.PasswordHash, emails: []string{rec.Address}}
		d.emails[rec.Address] = &email{account: id, keys: []string{rec.Pubkey}}

	case models.KindAddEmail:
		owner, ok := d.emails[rec.Existing]
		if !ok {
			return nil, common.ErrorUnknownOwner
		}
		if e, ok := d.emails[rec.Address]; ok && e.account == owner.account {
			if !slices.Contains(e.keys, rec.Pubkey) {
				e.keys = append(e.keys, rec.Pubkey)
			}
			break
		}
		d.detach(rec.Address)
		acct := d.accounts[owner.account]
		acct.emails = append(acct.emails, rec.Address)
		d.emails[rec.Address] = &email{account: owner.account, keys: []string{rec.Pubkey}}

	default:
		return nil, common.ErrorInternal
	}

	delete(d.staged, secret)
	delete(d.stagedByAddress, rec.Address)
	return &rec, nil
}

func (d *Driver) AccountEmails(ctx context.Context, address string) ([]models.EmailRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.emails[address]
	if !ok {
		return nil, common.ErrorNotFound
	}
	acct := d.accounts[e.account]
	out := make([]models.EmailRecord, 0, len(acct.emails))
	for _, addr := range acct.emails {
		out = append(out, models.EmailRecord{
			Address: addr,
			Keys:    append([]string{}, d.emails[addr].keys...),
		})
	}
	return out, nil
}

// owned returns address's record if owner shares its account.
// Callers hold the write lock.
func (d *Driver) owned(owner, address string) (*email, error) {
	target, ok := d.emails[address]
	if !ok {
		return nil, common.ErrorNotFound
	}
	o, ok := d.emails[owner]
	if !ok || o.account != target.account {
		return nil, common.ErrorNotOwner
	}
	return target, nil
}

// detach removes address from its account, deleting the account when it was
// the last email. Callers hold the write lock.
func (d *Driver) detach(address string) {
	e, ok := d.emails[address]
	if !ok {
		return
	}
	delete(d.emails, address)

	acct := d.accounts[e.account]
	acct.emails = slices.DeleteFunc(acct.emails, func(a string) bool { return a == address })
	if len(acct.emails) == 0 {
		delete(d.accounts, e.account)
	}
}

// dropStagedBy discards add-email records whose owner is address. Callers hold
// the write lock.
func (d *Driver) dropStagedBy(address string) {
	for secret, rec := range d.staged {
		if rec.Kind == models.KindAddEmail && rec.Existing == address {
			delete(d.staged, secret)
			delete(d.stagedByAddress, rec.Address)
		}
	}
}
