package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/models"
)

type command struct {
	usage    string
	args     int
	optional int
	run      func(ctx context.Context, app *App, args []string) (any, error)
}

type addressResult struct {
	Address      string   `json:"address"`
	Known        *bool    `json:"known,omitempty"`
	Staged       *bool    `json:"staged,omitempty"`
	PasswordHash string   `json:"password_hash,omitempty"`
	Pubkeys      []string `json:"pubkeys,omitempty"`
	Secret       string   `json:"secret,omitempty"`
}

type statusResult struct {
	Status string `json:"status"`
}

type sameAccountResult struct {
	SameAccount bool `json:"same_account"`
}

var statusOK = statusResult{Status: "ok"}

var commands = map[string]command{
	"known": {usage: "ADDR", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		known, err := app.dir.EmailKnown(ctx, a[0])
		return addressResult{Address: a[0], Known: &known}, err
	}},
	"staged": {usage: "ADDR", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		staged, err := app.dir.IsStaged(ctx, a[0])
		return addressResult{Address: a[0], Staged: &staged}, err
	}},
	"auth": {usage: "ADDR", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		hash, err := app.dir.CheckAuth(ctx, a[0])
		return addressResult{Address: a[0], PasswordHash: hash}, err
	}},
	"pubkeys": {usage: "ADDR", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		keys, err := app.dir.PubkeysForEmail(ctx, a[0])
		return struct {
			Address string   `json:"address"`
			Pubkeys []string `json:"pubkeys"`
		}{a[0], keys}, err
	}},
	"stage-user": {usage: "ADDR PUBKEY HASH", args: 3, run: func(ctx context.Context, app *App, a []string) (any, error) {
		secret, err := app.dir.StageUser(ctx, a[0], a[1], a[2])
		return addressResult{Address: a[0], Secret: secret}, err
	}},
	"stage-email": {usage: "OWNER ADDR PUBKEY", args: 3, run: func(ctx context.Context, app *App, a []string) (any, error) {
		secret, err := app.dir.StageEmail(ctx, a[0], a[1], a[2])
		return addressResult{Address: a[1], Secret: secret}, err
	}},
	"verify": {usage: "SECRET", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		return statusOK, app.dir.GotVerificationSecret(ctx, a[0])
	}},
	"add-key": {usage: "ACTING TARGET PUBKEY", args: 3, run: func(ctx context.Context, app *App, a []string) (any, error) {
		return statusOK, app.dir.AddKeyToEmail(ctx, a[0], a[1], a[2])
	}},
	"same-account": {usage: "A B", args: 2, run: func(ctx context.Context, app *App, a []string) (any, error) {
		same, err := app.dir.EmailsBelongToSameAccount(ctx, a[0], a[1])
		return sameAccountResult{SameAccount: same}, err
	}},
	"remove": {usage: "ACTING TARGET", args: 2, run: func(ctx context.Context, app *App, a []string) (any, error) {
		return statusOK, app.dir.RemoveEmail(ctx, a[0], a[1])
	}},
	"cancel": {usage: "ADDR", args: 1, run: func(ctx context.Context, app *App, a []string) (any, error) {
		return statusOK, app.dir.CancelAccount(ctx, a[0])
	}},
	"sync": {usage: "IDENTITY [CLIENT_JSON]", args: 1, optional: 1, run: runSync},
}

// runSync reads the client state from the second argument, or stdin when it
// is absent or "-".
func runSync(ctx context.Context, app *App, a []string) (any, error) {
	var raw []byte
	if len(a) > 1 && a[1] != "-" {
		raw = []byte(a[1])
	} else {
		var err error
		if raw, err = io.ReadAll(app.stdin); err != nil {
			return nil, fmt.Errorf("read client state: %w", err)
		}
	}

	var client models.ClientState
	if err := json.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("%w: client state: %v", common.ErrorValidation, err)
	}
	return app.dir.GetSyncResponse(ctx, a[0], client)
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
