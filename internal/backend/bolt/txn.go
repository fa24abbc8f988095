package bolt

import (
	"encoding/json"
	"fmt"
	"slices"

	"go.etcd.io/bbolt"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/models"
)

// txn decodes and encodes records inside one bbolt transaction. Values read
// from bbolt are only valid for the transaction, so everything is unmarshalled
// into fresh memory.
type txn struct {
	tx *bbolt.Tx
}

func (t *txn) email(address string) (*emailRecord, error) {
	payload := t.tx.Bucket(emailsBucket).Get([]byte(address))
	if payload == nil {
		return nil, common.ErrorNotFound
	}
	var e emailRecord
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("unmarshal email %s: %w", address, err)
	}
	return &e, nil
}

func (t *txn) account(id uint64) (*accountRecord, error) {
	payload := t.tx.Bucket(accountsBucket).Get(itob(id))
	if payload == nil {
		return nil, fmt.Errorf("%w: account %d is missing", common.ErrorInternal, id)
	}
	var a accountRecord
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("unmarshal account %d: %w", id, err)
	}
	return &a, nil
}

func (t *txn) putEmail(address string, e *emailRecord) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	return t.tx.Bucket(emailsBucket).Put([]byte(address), payload)
}

func (t *txn) putAccount(id uint64, a *accountRecord) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	return t.tx.Bucket(accountsBucket).Put(itob(id), payload)
}

func (t *txn) owned(owner, address string) (*emailRecord, error) {
	target, err := t.email(address)
	if err != nil {
		return nil, err
	}
	o, err := t.email(owner)
	if err == common.ErrorNotFound || (err == nil && o.Account != target.Account) {
		return nil, common.ErrorNotOwner
	}
	if err != nil {
		return nil, err
	}
	return target, nil
}

// detach removes address from its account, deleting the account when it was
// the last email. Unknown addresses are ignored.
func (t *txn) detach(address string) error {
	e, err := t.email(address)
	if err == common.ErrorNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(emailsBucket).Delete([]byte(address)); err != nil {
		return err
	}

	a, err := t.account(e.Account)
	if err != nil {
		return err
	}
	a.Emails = slices.DeleteFunc(a.Emails, func(s string) bool { return s == address })
	if len(a.Emails) == 0 {
		return t.tx.Bucket(accountsBucket).Delete(itob(e.Account))
	}
	return t.putAccount(e.Account, a)
}

func (t *txn) createAccount(rec models.StagedRecord) error {
	if err := t.detach(rec.Address); err != nil {
		return err
	}
	id, err := t.tx.Bucket(accountsBucket).NextSequence()
	if err != nil {
		return err
	}
	if err := t.putAccount(id, &accountRecord{PasswordHash: rec.PasswordHash, Emails: []string{rec.Address}}); err != nil {
		return err
	}
	return t.putEmail(rec.Address, &emailRecord{Account: id, Keys: []string{rec.Pubkey}})
}

func (t *txn) attach(rec models.StagedRecord) error {
	owner, err := t.email(rec.Existing)
	if err == common.ErrorNotFound {
		return common.ErrorUnknownOwner
	}
	if err != nil {
		return err
	}

	if e, err := t.email(rec.Address); err == nil && e.Account == owner.Account {
		if !slices.Contains(e.Keys, rec.Pubkey) {
			e.Keys = append(e.Keys, rec.Pubkey)
		}
		return t.putEmail(rec.Address, e)
	}

	if err := t.detach(rec.Address); err != nil {
		return err
	}
	a, err := t.account(owner.Account)
	if err != nil {
		return err
	}
	a.Emails = append(a.Emails, rec.Address)
	if err := t.putAccount(owner.Account, a); err != nil {
		return err
	}
	return t.putEmail(rec.Address, &emailRecord{Account: owner.Account, Keys: []string{rec.Pubkey}})
}

// dropStagedBy discards add-email records whose owner is address.
func (t *txn) dropStagedBy(address string) error {
	staged := t.tx.Bucket(stagedBucket)

	var secrets, addrs [][]byte
	err := staged.ForEach(func(k, v []byte) error {
		var rec models.StagedRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal staged record: %w", err)
		}
		if rec.Kind == models.KindAddEmail && rec.Existing == address {
			secrets = append(secrets, append([]byte{}, k...))
			addrs = append(addrs, []byte(rec.Address))
		}
		return nil
	})
	if err != nil {
		return err
	}

	byAddr := t.tx.Bucket(stagedAddrBucket)
	for i := range secrets {
		if err := staged.Delete(secrets[i]); err != nil {
			return err
		}
		if err := byAddr.Delete(addrs[i]); err != nil {
			return err
		}
	}
	return nil
}
