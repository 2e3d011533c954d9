package image

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLitePullStore(t *testing.T) {
	store, err := OpenPullStore(filepath.Join(t.TempDir(), "pulls.db"))
	require.NoError(t, err)
	defer store.Close()

	_, ok, err := store.LastPull("repo:latest")
	require.NoError(t, err)
	assert.False(t, ok, "unknown image should have no record")

	first := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordPull("repo:latest", first))

	got, ok, err := store.LastPull("repo:latest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(first))

	// A second record for the same image replaces the first.
	second := first.Add(4 * time.Hour)
	require.NoError(t, store.RecordPull("repo:latest", second))

	got, ok, err = store.LastPull("repo:latest")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(second))
}

func TestSQLitePullStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulls.db")
	ts := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)

	store, err := OpenPullStore(path)
	require.NoError(t, err)
	require.NoError(t, store.RecordPull("ghcr.io/devgrid/sandbox:latest", ts))
	require.NoError(t, store.Close())

	reopened, err := OpenPullStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.LastPull("ghcr.io/devgrid/sandbox:latest")
	require.NoError(t, err)
	require.True(t, ok, "records must survive process restarts")
	assert.True(t, got.Equal(ts))
}
