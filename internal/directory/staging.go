package directory

import (
	"context"
	"time"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/models"
	"github.com/dmitrijs2005/keydir/internal/secrets"
	"github.com/dmitrijs2005/keydir/internal/validate"
)

type stageUserInput struct {
	Address      string `validate:"required,email"`
	Pubkey       string `validate:"required"`
	PasswordHash string `validate:"required"`
}

type stageEmailInput struct {
	Owner   string `validate:"required"`
	Address string `validate:"required,email"`
	Pubkey  string `validate:"required"`
}

// StageUser stages a new account for address and returns the secret that
// verifies it. Any earlier secret for address stops working.
func (d *Directory) StageUser(ctx context.Context, address, pubkey, passwordHash string) (string, error) {
	if err := validate.Struct(stageUserInput{Address: address, Pubkey: pubkey, PasswordHash: passwordHash}); err != nil {
		return "", d.observe(ctx, "stage_user", err, "address", address)
	}
	return d.stage(ctx, "stage_user", models.StagedRecord{
		Kind:         models.KindNewAccount,
		Address:      address,
		Pubkey:       pubkey,
		PasswordHash: passwordHash,
	})
}

// StageEmail stages address for addition to the account owning owner, which
// must be verified.
func (d *Directory) StageEmail(ctx context.Context, owner, address, pubkey string) (string, error) {
	if err := validate.Struct(stageEmailInput{Owner: owner, Address: address, Pubkey: pubkey}); err != nil {
		return "", d.observe(ctx, "stage_email", err, "address", address)
	}
	return d.stage(ctx, "stage_email", models.StagedRecord{
		Kind:     models.KindAddEmail,
		Address:  address,
		Existing: owner,
		Pubkey:   pubkey,
	})
}

func (d *Directory) stage(ctx context.Context, op string, rec models.StagedRecord) (string, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return "", err
	}

	secret, err := d.gen.Generate()
	if err != nil {
		return "", d.observe(ctx, op, err, "address", rec.Address)
	}
	rec.Secret = secret
	rec.CreatedAt = time.Now().UTC()

	if err := drv.Stage(ctx, rec); err != nil {
		return "", d.observe(ctx, op, err, "address", rec.Address)
	}
	d.log.Info(ctx, "address staged", "address", rec.Address, "kind", rec.Kind)
	return secret, nil
}

// GotVerificationSecret redeems secret. It applies the staged record exactly
// once; unknown or already used secrets return common.ErrorNotFound.
func (d *Directory) GotVerificationSecret(ctx context.Context, secret string) error {
	drv, err := d.acquire(ctx)
	if err != nil {
		return err
	}
	if len(secret) != secrets.SecretLength || !common.IsHex(secret) {
		return d.observe(ctx, "verify", common.ErrorNotFound)
	}

	rec, err := drv.Verify(ctx, secret)
	if err != nil {
		return d.observe(ctx, "verify", err)
	}
	d.log.Info(ctx, "address verified", "address", rec.Address, "kind", rec.Kind)
	return nil
}
