// Package backend defines the contract every storage driver of the directory
// satisfies.
//
// A driver owns persistence only. The directory layer in front of it handles
// readiness, input validation, secret generation and logging, and relies on
// the driver for the consistency guarantees below.
//
// # Guarantees
//
//   - Stage replaces any staged record for the same address, so at most one
//     secret per address is redeemable.
//   - Stage of an add-email record checks that Existing is a verified address
//     in the same transaction as the insert.
//   - Verify deletes the staged record and applies it in one transaction:
//     an observer sees the address either staged or verified, never both and
//     never neither. Of two concurrent Verify calls with one secret at most one
//     succeeds; the other gets common.ErrorNotFound.
//   - CancelAccount and RemoveEmail are atomic.
//
// # Errors
//
// Lookups on unknown addresses return the negative result (false, empty).
// CheckAuth, PubkeysForEmail, AccountEmails, CancelAccount and Verify return
// common.ErrorNotFound when their target does not exist. Ownership checks fail
// with common.ErrorNotOwner; unverified add-email owners with
// common.ErrorUnknownOwner. Everything else is a structural failure wrapped
// with context.
package backend

import (
	"context"

	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/models"
)

// Driver is one storage backend.
type Driver interface {
	// Open connects to the storage medium and prepares its schema.
	Open(ctx context.Context, cfg *config.Config) error
	// Close releases the medium. Closing a driver that never opened is a no-op.
	Close() error

	EmailKnown(ctx context.Context, address string) (bool, error)
	IsStaged(ctx context.Context, address string) (bool, error)
	CheckAuth(ctx context.Context, address string) (string, error)
	PubkeysForEmail(ctx context.Context, address string) ([]string, error)
	AddKeyToEmail(ctx context.Context, owner, address, pubkey string) error
	EmailsBelongToSameAccount(ctx context.Context, a, b string) (bool, error)
	RemoveEmail(ctx context.Context, owner, address string) error
	CancelAccount(ctx context.Context, address string) error

	Stage(ctx context.Context, rec models.StagedRecord) error
	Verify(ctx context.Context, secret string) (*models.StagedRecord, error)

	// AccountEmails lists every email of the account owning address, with
	// keys, in insertion order.
	AccountEmails(ctx context.Context, address string) ([]models.EmailRecord, error)
}

// Constructor builds an unopened driver.
type Constructor func() Driver
