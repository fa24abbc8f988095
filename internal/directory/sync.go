package directory

import (
	"context"

	"github.com/dmitrijs2005/keydir/internal/keysync"
	"github.com/dmitrijs2005/keydir/internal/models"
)

// GetSyncResponse reconciles the client's cached keys against the account
// owning identity.
func (d *Directory) GetSyncResponse(ctx context.Context, identity string, client models.ClientState) (models.SyncResponse, error) {
	drv, err := d.acquire(ctx)
	if err != nil {
		return models.SyncResponse{}, err
	}
	emails, err := drv.AccountEmails(ctx, identity)
	if err != nil {
		return models.SyncResponse{}, d.observe(ctx, "sync", err, "identity", identity)
	}
	return keysync.Reconcile(emails, client), nil
}
