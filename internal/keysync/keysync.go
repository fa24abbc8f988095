// Package keysync reconciles a client's cached email to key map against the
// authoritative state of one account.
//
// The result has two lists. UnknownEmails holds the addresses the client
// presented that are not part of the account, in the order the client sent
// them. KeyRefresh holds the account's addresses the client is stale for:
// either absent from the client state or carrying a key the account does not
// have for that address. KeyRefresh follows the order in which the addresses
// were added to the account. Addresses the client holds correctly appear in
// neither list.
package keysync

import "github.com/dmitrijs2005/keydir/internal/models"

// Reconcile computes the sync response for account given the client state.
// account must be in insertion order. Both result slices are non-nil.
func Reconcile(account []models.EmailRecord, client models.ClientState) models.SyncResponse {
	resp := models.SyncResponse{
		UnknownEmails: []string{},
		KeyRefresh:    []string{},
	}

	owned := make(map[string]struct{}, len(account))
	for _, rec := range account {
		owned[rec.Address] = struct{}{}
	}

	for _, ck := range client {
		if _, ok := owned[ck.Address]; !ok {
			resp.UnknownEmails = append(resp.UnknownEmails, ck.Address)
		}
	}

	for _, rec := range account {
		key, ok := client.Lookup(rec.Address)
		if !ok || !rec.HasKey(key) {
			resp.KeyRefresh = append(resp.KeyRefresh, rec.Address)
		}
	}

	return resp
}
