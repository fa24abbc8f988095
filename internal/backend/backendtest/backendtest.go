// Package backendtest is the conformance suite every directory driver must
// pass. Driver packages call Run from their own tests with a factory that
// returns a freshly opened, empty driver.
package backendtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/models"
)

// Factory returns an opened, empty driver. It should register cleanup with t.
type Factory func(t *testing.T) backend.Driver

// Run executes the suite against drivers produced by newDriver.
func Run(t *testing.T, newDriver Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, d backend.Driver)
	}{
		{"UnknownAddress", testUnknownAddress},
		{"StageAndVerifyNewAccount", testStageAndVerifyNewAccount},
		{"AddKeyToEmail", testAddKeyToEmail},
		{"AddKeyToEmailPreconditions", testAddKeyToEmailPreconditions},
		{"StageAndVerifyAddEmail", testStageAndVerifyAddEmail},
		{"StageAddEmailUnknownOwner", testStageAddEmailUnknownOwner},
		{"VerifyUnknownSecret", testVerifyUnknownSecret},
		{"VerifyIsSingleUse", testVerifyIsSingleUse},
		{"RestageReplacesSecret", testRestageReplacesSecret},
		{"SameAccount", testSameAccount},
		{"RemoveEmail", testRemoveEmail},
		{"RemoveLastEmailDestroysAccount", testRemoveLastEmailDestroysAccount},
		{"CancelAccount", testCancelAccount},
		{"CancelAccountDropsPendingAddEmail", testCancelAccountDropsPendingAddEmail},
		{"RemoveEmailDropsPendingAddEmail", testRemoveEmailDropsPendingAddEmail},
		{"ReRegisterMovesAddress", testReRegisterMovesAddress},
		{"AccountEmailsOrder", testAccountEmailsOrder},
		{"ConcurrentVerify", testConcurrentVerify},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newDriver(t))
		})
	}
}

// Secret returns a deterministic 48-character secret for n.
func Secret(n int) string {
	return fmt.Sprintf("%048d", n)
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func stageUser(t *testing.T, d backend.Driver, secret, address, pubkey, hash string) {
	t.Helper()
	require.NoError(t, d.Stage(ctx(t), models.StagedRecord{
		Secret:       secret,
		Kind:         models.KindNewAccount,
		Address:      address,
		Pubkey:       pubkey,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}))
}

func stageEmail(t *testing.T, d backend.Driver, secret, owner, address, pubkey string) error {
	t.Helper()
	return d.Stage(ctx(t), models.StagedRecord{
		Secret:    secret,
		Kind:      models.KindAddEmail,
		Address:   address,
		Existing:  owner,
		Pubkey:    pubkey,
		CreatedAt: time.Now().UTC(),
	})
}

func verify(t *testing.T, d backend.Driver, secret string) *models.StagedRecord {
	t.Helper()
	rec, err := d.Verify(ctx(t), secret)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

// createAccount stages and verifies a new account in one step.
func createAccount(t *testing.T, d backend.Driver, n int, address, pubkey, hash string) {
	t.Helper()
	stageUser(t, d, Secret(n), address, pubkey, hash)
	verify(t, d, Secret(n))
}

func addEmail(t *testing.T, d backend.Driver, n int, owner, address, pubkey string) {
	t.Helper()
	require.NoError(t, stageEmail(t, d, Secret(n), owner, address, pubkey))
	verify(t, d, Secret(n))
}

func known(t *testing.T, d backend.Driver, address string) bool {
	t.Helper()
	ok, err := d.EmailKnown(ctx(t), address)
	require.NoError(t, err)
	return ok
}

func staged(t *testing.T, d backend.Driver, address string) bool {
	t.Helper()
	ok, err := d.IsStaged(ctx(t), address)
	require.NoError(t, err)
	return ok
}

func pubkeys(t *testing.T, d backend.Driver, address string) []string {
	t.Helper()
	keys, err := d.PubkeysForEmail(ctx(t), address)
	require.NoError(t, err)
	return keys
}

func sameAccount(t *testing.T, d backend.Driver, a, b string) bool {
	t.Helper()
	ok, err := d.EmailsBelongToSameAccount(ctx(t), a, b)
	require.NoError(t, err)
	return ok
}

func testUnknownAddress(t *testing.T, d backend.Driver) {
	c := ctx(t)
	assert.False(t, known(t, d, "lloyd@nowhe.re"))
	assert.False(t, staged(t, d, "lloyd@nowhe.re"))

	_, err := d.CheckAuth(c, "lloyd@nowhe.re")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = d.PubkeysForEmail(c, "lloyd@nowhe.re")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = d.AccountEmails(c, "lloyd@nowhe.re")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	assert.ErrorIs(t, d.CancelAccount(c, "lloyd@nowhe.re"), common.ErrorNotFound)
}

func testStageAndVerifyNewAccount(t *testing.T, d backend.Driver) {
	stageUser(t, d, Secret(1), "lloyd@nowhe.re", "fakepubkey", "fakepasswordhash")

	assert.True(t, staged(t, d, "lloyd@nowhe.re"))
	assert.False(t, known(t, d, "lloyd@nowhe.re"), "staged is not known")

	rec := verify(t, d, Secret(1))
	assert.Equal(t, models.KindNewAccount, rec.Kind)
	assert.Equal(t, "lloyd@nowhe.re", rec.Address)

	assert.False(t, staged(t, d, "lloyd@nowhe.re"))
	assert.True(t, known(t, d, "lloyd@nowhe.re"))

	hash, err := d.CheckAuth(ctx(t), "lloyd@nowhe.re")
	require.NoError(t, err)
	assert.Equal(t, "fakepasswordhash", hash)

	assert.Equal(t, []string{"fakepubkey"}, pubkeys(t, d, "lloyd@nowhe.re"))
}

func testAddKeyToEmail(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "lloyd@nowhe.re", "fakepubkey", "h")

	require.NoError(t, d.AddKeyToEmail(ctx(t), "lloyd@nowhe.re", "lloyd@nowhe.re", "fakepubkey2"))
	require.NoError(t, d.AddKeyToEmail(ctx(t), "lloyd@nowhe.re", "lloyd@nowhe.re", "fakepubkey3"))
	assert.Equal(t, []string{"fakepubkey", "fakepubkey2", "fakepubkey3"}, pubkeys(t, d, "lloyd@nowhe.re"))

	// a repeated key is not stored twice
	require.NoError(t, d.AddKeyToEmail(ctx(t), "lloyd@nowhe.re", "lloyd@nowhe.re", "fakepubkey2"))
	assert.Equal(t, []string{"fakepubkey", "fakepubkey2", "fakepubkey3"}, pubkeys(t, d, "lloyd@nowhe.re"))
}

func testAddKeyToEmailPreconditions(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")
	createAccount(t, d, 2, "b@two.org", "k2", "h2")
	addEmail(t, d, 3, "a@one.org", "a2@one.org", "k3")

	c := ctx(t)
	assert.ErrorIs(t, d.AddKeyToEmail(c, "b@two.org", "a@one.org", "evil"), common.ErrorNotOwner)
	assert.ErrorIs(t, d.AddKeyToEmail(c, "ghost@nowhere.org", "a@one.org", "evil"), common.ErrorNotOwner)
	assert.ErrorIs(t, d.AddKeyToEmail(c, "a@one.org", "ghost@nowhere.org", "k"), common.ErrorNotFound)
	assert.Equal(t, []string{"k1"}, pubkeys(t, d, "a@one.org"))

	// a sibling address of the same account may act
	require.NoError(t, d.AddKeyToEmail(c, "a2@one.org", "a@one.org", "k4"))
	assert.Equal(t, []string{"k1", "k4"}, pubkeys(t, d, "a@one.org"))
}

func testStageAndVerifyAddEmail(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "lloyd@nowhe.re", "fakepubkey", "fakepasswordhash")

	require.NoError(t, stageEmail(t, d, Secret(2), "lloyd@nowhe.re", "lloyd@somewhe.re", "fakepubkey4"))
	assert.True(t, staged(t, d, "lloyd@somewhe.re"))
	assert.False(t, known(t, d, "lloyd@somewhe.re"))

	rec := verify(t, d, Secret(2))
	assert.Equal(t, models.KindAddEmail, rec.Kind)
	assert.Equal(t, "lloyd@nowhe.re", rec.Existing)

	assert.False(t, staged(t, d, "lloyd@somewhe.re"))
	assert.True(t, known(t, d, "lloyd@somewhe.re"))
	assert.True(t, sameAccount(t, d, "lloyd@nowhe.re", "lloyd@somewhe.re"))
	assert.Equal(t, []string{"fakepubkey4"}, pubkeys(t, d, "lloyd@somewhe.re"))

	hash, err := d.CheckAuth(ctx(t), "lloyd@somewhe.re")
	require.NoError(t, err)
	assert.Equal(t, "fakepasswordhash", hash, "added email inherits the account hash")
}

func testStageAddEmailUnknownOwner(t *testing.T, d backend.Driver) {
	err := stageEmail(t, d, Secret(1), "ghost@nowhere.org", "new@nowhere.org", "k")
	assert.ErrorIs(t, err, common.ErrorUnknownOwner)
	assert.ErrorIs(t, err, common.ErrorPrecondition)
	assert.False(t, staged(t, d, "new@nowhere.org"))

	// an owner that is only staged does not count either
	stageUser(t, d, Secret(2), "pending@nowhere.org", "k", "h")
	err = stageEmail(t, d, Secret(3), "pending@nowhere.org", "new@nowhere.org", "k")
	assert.ErrorIs(t, err, common.ErrorUnknownOwner)
}

func testVerifyUnknownSecret(t *testing.T, d backend.Driver) {
	_, err := d.Verify(ctx(t), Secret(404))
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func testVerifyIsSingleUse(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")

	_, err := d.Verify(ctx(t), Secret(1))
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.True(t, known(t, d, "a@one.org"))
	assert.Equal(t, []string{"k1"}, pubkeys(t, d, "a@one.org"))
}

func testRestageReplacesSecret(t *testing.T, d backend.Driver) {
	stageUser(t, d, Secret(1), "a@one.org", "old", "h-old")
	stageUser(t, d, Secret(2), "a@one.org", "new", "h-new")
	assert.True(t, staged(t, d, "a@one.org"))

	_, err := d.Verify(ctx(t), Secret(1))
	assert.ErrorIs(t, err, common.ErrorNotFound, "superseded secret is dead")
	assert.False(t, known(t, d, "a@one.org"))

	verify(t, d, Secret(2))
	assert.False(t, staged(t, d, "a@one.org"))

	hash, err := d.CheckAuth(ctx(t), "a@one.org")
	require.NoError(t, err)
	assert.Equal(t, "h-new", hash)
	assert.Equal(t, []string{"new"}, pubkeys(t, d, "a@one.org"))
}

func testSameAccount(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "lloyd@nowhe.re", "k1", "h1")
	addEmail(t, d, 2, "lloyd@nowhe.re", "lloyd@somewhe.re", "k2")
	createAccount(t, d, 3, "lloyd@anywhe.re", "k3", "h3")

	assert.True(t, sameAccount(t, d, "lloyd@nowhe.re", "lloyd@somewhe.re"))
	assert.True(t, sameAccount(t, d, "lloyd@somewhe.re", "lloyd@nowhe.re"))
	assert.False(t, sameAccount(t, d, "lloyd@anywhe.re", "lloyd@somewhe.re"))
	assert.False(t, sameAccount(t, d, "ghost@nowhere.org", "lloyd@somewhe.re"))
	assert.False(t, sameAccount(t, d, "ghost@nowhere.org", "ghost@nowhere.org"))
}

func testRemoveEmail(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "lloyd@nowhe.re", "k1", "h1")
	addEmail(t, d, 2, "lloyd@nowhe.re", "lloyd@somewhe.re", "k2")
	createAccount(t, d, 3, "other@else.org", "k3", "h3")

	c := ctx(t)
	assert.ErrorIs(t, d.RemoveEmail(c, "other@else.org", "lloyd@nowhe.re"), common.ErrorNotOwner)
	assert.ErrorIs(t, d.RemoveEmail(c, "lloyd@somewhe.re", "ghost@nowhere.org"), common.ErrorNotFound)
	assert.True(t, known(t, d, "lloyd@nowhe.re"))

	require.NoError(t, d.RemoveEmail(c, "lloyd@somewhe.re", "lloyd@nowhe.re"))
	assert.False(t, known(t, d, "lloyd@nowhe.re"))
	assert.True(t, known(t, d, "lloyd@somewhe.re"))

	_, err := d.PubkeysForEmail(c, "lloyd@nowhe.re")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	hash, err := d.CheckAuth(c, "lloyd@somewhe.re")
	require.NoError(t, err)
	assert.Equal(t, "h1", hash, "account survives")
}

func testRemoveLastEmailDestroysAccount(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "solo@one.org", "k1", "h1")

	require.NoError(t, d.RemoveEmail(ctx(t), "solo@one.org", "solo@one.org"))
	assert.False(t, known(t, d, "solo@one.org"))
	assert.False(t, staged(t, d, "solo@one.org"), "removal returns to absent, not staged")

	// the address can be registered again from scratch
	createAccount(t, d, 2, "solo@one.org", "k2", "h2")
	hash, err := d.CheckAuth(ctx(t), "solo@one.org")
	require.NoError(t, err)
	assert.Equal(t, "h2", hash)
}

func testCancelAccount(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")
	addEmail(t, d, 2, "a@one.org", "b@one.org", "k2")
	addEmail(t, d, 3, "a@one.org", "c@one.org", "k3")
	createAccount(t, d, 4, "other@else.org", "k4", "h4")

	require.NoError(t, d.CancelAccount(ctx(t), "b@one.org"))

	for _, addr := range []string{"a@one.org", "b@one.org", "c@one.org"} {
		assert.False(t, known(t, d, addr), addr)
	}
	assert.True(t, known(t, d, "other@else.org"))
	assert.ErrorIs(t, d.CancelAccount(ctx(t), "a@one.org"), common.ErrorNotFound)
}

func testCancelAccountDropsPendingAddEmail(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")
	addEmail(t, d, 2, "a@one.org", "b@one.org", "k2")
	createAccount(t, d, 3, "other@else.org", "k3", "h3")

	require.NoError(t, stageEmail(t, d, Secret(4), "a@one.org", "pending@one.org", "kp"))
	require.NoError(t, stageEmail(t, d, Secret(5), "b@one.org", "pending@two.org", "kq"))
	require.NoError(t, stageEmail(t, d, Secret(6), "other@else.org", "pending@else.org", "kr"))
	stageUser(t, d, Secret(7), "fresh@one.org", "kf", "hf")

	require.NoError(t, d.CancelAccount(ctx(t), "a@one.org"))

	assert.False(t, staged(t, d, "pending@one.org"))
	assert.False(t, staged(t, d, "pending@two.org"))
	_, err := d.Verify(ctx(t), Secret(4))
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = d.Verify(ctx(t), Secret(5))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	assert.True(t, staged(t, d, "pending@else.org"), "other accounts keep their records")
	assert.True(t, staged(t, d, "fresh@one.org"), "new-account records are untouched")
	verify(t, d, Secret(6))
}

func testRemoveEmailDropsPendingAddEmail(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")
	addEmail(t, d, 2, "a@one.org", "b@one.org", "k2")

	require.NoError(t, stageEmail(t, d, Secret(3), "b@one.org", "via-b@one.org", "kb"))
	require.NoError(t, stageEmail(t, d, Secret(4), "a@one.org", "via-a@one.org", "ka"))

	require.NoError(t, d.RemoveEmail(ctx(t), "a@one.org", "b@one.org"))

	assert.False(t, staged(t, d, "via-b@one.org"))
	_, err := d.Verify(ctx(t), Secret(3))
	assert.ErrorIs(t, err, common.ErrorNotFound)

	assert.True(t, staged(t, d, "via-a@one.org"))
	verify(t, d, Secret(4))
	assert.True(t, sameAccount(t, d, "a@one.org", "via-a@one.org"))
}

func testReRegisterMovesAddress(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "a@one.org", "k1", "h1")
	addEmail(t, d, 2, "a@one.org", "b@one.org", "k2")

	// b is staged as a brand-new account while still verified in the old one
	stageUser(t, d, Secret(3), "b@one.org", "k3", "h3")
	verify(t, d, Secret(3))

	assert.False(t, sameAccount(t, d, "a@one.org", "b@one.org"))
	hash, err := d.CheckAuth(ctx(t), "b@one.org")
	require.NoError(t, err)
	assert.Equal(t, "h3", hash)
	assert.Equal(t, []string{"k3"}, pubkeys(t, d, "b@one.org"))

	emails, err := d.AccountEmails(ctx(t), "a@one.org")
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "a@one.org", emails[0].Address)
}

func testAccountEmailsOrder(t *testing.T, d backend.Driver) {
	createAccount(t, d, 1, "z@one.org", "kz", "h")
	addEmail(t, d, 2, "z@one.org", "a@one.org", "ka")
	addEmail(t, d, 3, "a@one.org", "m@one.org", "km")
	require.NoError(t, d.AddKeyToEmail(ctx(t), "z@one.org", "z@one.org", "kz2"))
	createAccount(t, d, 4, "other@else.org", "ko", "h")

	emails, err := d.AccountEmails(ctx(t), "m@one.org")
	require.NoError(t, err)
	assert.Equal(t, []models.EmailRecord{
		{Address: "z@one.org", Keys: []string{"kz", "kz2"}},
		{Address: "a@one.org", Keys: []string{"ka"}},
		{Address: "m@one.org", Keys: []string{"km"}},
	}, emails)
}

func testConcurrentVerify(t *testing.T, d backend.Driver) {
	stageUser(t, d, Secret(1), "race@one.org", "k", "h")

	const n = 8
	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := d.Verify(context.Background(), Secret(1))
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, common.ErrorNotFound):
				misses.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins.Load())
	assert.EqualValues(t, n-1, misses.Load())
	assert.Equal(t, []string{"k"}, pubkeys(t, d, "race@one.org"))
}
