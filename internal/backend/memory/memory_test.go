package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/backendtest"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/models"
)

func TestDriverConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Driver {
		d := New()
		require.NoError(t, d.Open(context.Background(), &config.Config{Driver: config.DriverMemory}))
		t.Cleanup(func() { _ = d.Close() })
		return d
	})
}

func TestClose_DropsData(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.Open(ctx, &config.Config{}))

	require.NoError(t, d.Stage(ctx, models.StagedRecord{
		Secret:       backendtest.Secret(1),
		Kind:         models.KindNewAccount,
		Address:      "a@one.org",
		Pubkey:       "k",
		PasswordHash: "h",
	}))
	require.NoError(t, d.Close())

	ok, err := d.IsStaged(ctx, "a@one.org")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New().Open(ctx, &config.Config{}), context.Canceled)
}

func TestVerify_UnknownKindIsInternal(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.Stage(ctx, models.StagedRecord{Secret: "s", Kind: "bogus", Address: "a@one.org"}))

	_, err := d.Verify(ctx, "s")
	assert.Error(t, err)

	ok, err := d.IsStaged(ctx, "a@one.org")
	require.NoError(t, err)
	assert.True(t, ok, "a failed verify leaves the record staged")
}
