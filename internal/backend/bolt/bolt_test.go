package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/backendtest"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/models"
)

func cfgAt(path string) *config.Config {
	return &config.Config{
		Driver:      config.DriverBolt,
		DataPath:    path,
		OpenTimeout: 200 * time.Millisecond,
	}
}

func TestDriverConformance(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Driver {
		d := New()
		require.NoError(t, d.Open(context.Background(), cfgAt(filepath.Join(t.TempDir(), "keydir.bolt"))))
		t.Cleanup(func() { _ = d.Close() })
		return d
	})
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keydir.bolt")

	d := New()
	require.NoError(t, d.Open(ctx, cfgAt(path)))
	require.NoError(t, d.Stage(ctx, models.StagedRecord{
		Secret:  backendtest.Secret(1),
		Kind:    models.KindNewAccount,
		Address: "a@one.org", Pubkey: "k1", PasswordHash: "h1",
	}))
	require.NoError(t, d.Close())

	d = New()
	require.NoError(t, d.Open(ctx, cfgAt(path)))
	defer d.Close()

	staged, err := d.IsStaged(ctx, "a@one.org")
	require.NoError(t, err)
	assert.True(t, staged)

	rec, err := d.Verify(ctx, backendtest.Secret(1))
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestOpen_LockedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keydir.bolt")

	first := New()
	require.NoError(t, first.Open(ctx, cfgAt(path)))
	defer first.Close()

	second := New()
	err := second.Open(ctx, cfgAt(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open storage db")
}

func TestNotOpen(t *testing.T) {
	d := New()
	_, err := d.EmailKnown(context.Background(), "a@one.org")
	assert.Error(t, err)
	assert.NoError(t, d.Close())
}

func TestVerify_UnknownKindKeepsRecord(t *testing.T) {
	ctx := context.Background()
	d := New()
	require.NoError(t, d.Open(ctx, cfgAt(filepath.Join(t.TempDir(), "keydir.bolt"))))
	defer d.Close()

	require.NoError(t, d.Stage(ctx, models.StagedRecord{
		Secret: backendtest.Secret(2), Kind: "bogus", Address: "x@one.org", Pubkey: "k",
	}))

	_, err := d.Verify(ctx, backendtest.Secret(2))
	assert.ErrorIs(t, err, common.ErrorInternal)

	staged, err := d.IsStaged(ctx, "x@one.org")
	require.NoError(t, err)
	assert.True(t, staged)
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	d := New()
	require.NoError(t, d.Open(context.Background(), cfgAt(filepath.Join(t.TempDir(), "nested", "keydir.bolt"))))
	assert.NoError(t, d.Close())
}
