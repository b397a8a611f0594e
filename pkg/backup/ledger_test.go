package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ledger, err := OpenLedger(path)
	require.NoError(t, err)

	_, err = ledger.Latest()
	require.ErrorIs(t, err, ErrNoRuns)
	_, err = ledger.Run("nope")
	require.ErrorIs(t, err, ErrRunNotFound)

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	older := &Run{ID: "2026-01-02T03-04-05Z", Started: t0, Repositories: []string{"ox/a"}, Verified: []string{"ox/a"}}
	newer := &Run{ID: "2026-01-03T03-04-05Z", Started: t0.Add(24 * time.Hour), Repositories: []string{"ox/a", "ox/b"}, Verified: []string{"ox/a"}, Failed: "ox/b", Error: "boom"}
	require.NoError(t, ledger.Record(newer))
	require.NoError(t, ledger.Record(older))

	ok, err := ledger.Has(older.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := ledger.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.ID, runs[0].ID)
	assert.Equal(t, older.ID, runs[1].ID)

	latest, err := ledger.Latest()
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
	assert.False(t, latest.Complete())
	assert.True(t, latest.HasVerified("ox/a"))
	assert.False(t, latest.HasVerified("ox/b"))

	require.NoError(t, ledger.Close())

	reopened, err := OpenLedger(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Run(older.ID)
	require.NoError(t, err)
	assert.True(t, got.Complete())
	assert.True(t, got.Started.Equal(t0))

	require.NoError(t, reopened.Delete(newer.ID))
	require.NoError(t, reopened.Delete(newer.ID))
	latest, err = reopened.Latest()
	require.NoError(t, err)
	assert.Equal(t, older.ID, latest.ID)
}
