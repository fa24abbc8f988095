package directory

import (
	"context"

	"github.com/dmitrijs2005/keydir/internal/validate"
)

type addKeyInput struct {
	Acting string `validate:"required"`
	Target string `validate:"required"`
	Pubkey string `validate:"required"`
}

// EmailKnown reports whether address is verified.
func (d *Directory) EmailKnown(ctx context.Context, address string) (bool, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return false, err
	}
	ok, err := drv.EmailKnown(ctx, address)
	return ok, d.observe(ctx, "email_known", err, "address", address)
}

// IsStaged reports whether address has a pending staged record.
func (d *Directory) IsStaged(ctx context.Context, address string) (bool, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return false, err
	}
	ok, err := drv.IsStaged(ctx, address)
	return ok, d.observe(ctx, "is_staged", err, "address", address)
}

// CheckAuth returns the password hash of the account owning address.
func (d *Directory) CheckAuth(ctx context.Context, address string) (string, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}
	hash, err := drv.CheckAuth(ctx, address)
	return hash, d.observe(ctx, "check_auth", err, "address", address)
}

// PubkeysForEmail lists the keys of a verified address in insertion order.
func (d *Directory) PubkeysForEmail(ctx context.Context, address string) ([]string, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := drv.PubkeysForEmail(ctx, address)
	if err != nil {
		return nil, d.observe(ctx, "pubkeys_for_email", err, "address", address)
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

// AddKeyToEmail adds pubkey to target on behalf of acting, which must belong
// to the same account. Adding a key twice is a no-op.
func (d *Directory) AddKeyToEmail(ctx context.Context, acting, target, pubkey string) error {
	drv, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	if err := validate.Struct(addKeyInput{Acting: acting, Target: target, Pubkey: pubkey}); err != nil {
		return d.observe(ctx, "add_key_to_email", err, "target", target)
	}
	err = drv.AddKeyToEmail(ctx, acting, target, pubkey)
	return d.observe(ctx, "add_key_to_email", err, "acting", acting, "target", target)
}

// EmailsBelongToSameAccount reports whether a and b are verified in one account.
func (d *Directory) EmailsBelongToSameAccount(ctx context.Context, a, b string) (bool, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return false, err
	}
	ok, err := drv.EmailsBelongToSameAccount(ctx, a, b)
	return ok, d.observe(ctx, "same_account", err)
}

// RemoveEmail detaches target from its account on behalf of acting. The
// account is deleted along with its last email.
func (d *Directory) RemoveEmail(ctx context.Context, acting, target string) error {
	drv, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	err = drv.RemoveEmail(ctx, acting, target)
	if err == nil {
		d.log.Info(ctx, "email removed", "target", target)
	}
	return d.observe(ctx, "remove_email", err, "acting", acting, "target", target)
}

// CancelAccount deletes the account owning address with all of its emails
// and keys.
func (d *Directory) CancelAccount(ctx context.Context, address string) error {
	drv, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	err = drv.CancelAccount(ctx, address)
	if err == nil {
		d.log.Info(ctx, "account cancelled", "address", address)
	}
	return d.observe(ctx, "cancel_account", err, "address", address)
}
