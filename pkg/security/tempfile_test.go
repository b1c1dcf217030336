package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeCloseRemovesFiles(t *testing.T) {
	store, err := NewTempStore(t.TempDir(), nil)
	require.NoError(t, err)

	scope := store.Scope()
	a, err := scope.WriteFile([]byte("one"))
	require.NoError(t, err)
	b, err := scope.Create()
	require.NoError(t, err)

	assert.FileExists(t, a)
	assert.FileExists(t, b)
	assert.Equal(t, 2, store.Len())
	assert.True(t, filepath.Base(a)[:len(TempPrefix)] == TempPrefix)

	require.NoError(t, scope.Close())
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.Equal(t, 0, store.Len())

	// second close is a no-op
	require.NoError(t, scope.Close())

	_, err = scope.Create()
	assert.Error(t, err)
}

func TestScopeTrack(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTempStore(dir, nil)
	require.NoError(t, err)

	path := filepath.Join(dir, "external")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	scope := store.Scope()
	scope.Track(path)
	assert.Equal(t, []string{path}, scope.Files())

	require.NoError(t, scope.Close())
	assert.NoFileExists(t, path)
}

func TestTempStoreSweep(t *testing.T) {
	dir := t.TempDir()
	store, err := NewTempStore(dir, nil)
	require.NoError(t, err)

	live, err := store.Scope().WriteFile([]byte("live"))
	require.NoError(t, err)

	stale := filepath.Join(dir, TempPrefix+"orphan")
	require.NoError(t, os.WriteFile(stale, nil, 0o600))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	unrelated := filepath.Join(dir, "keep-me")
	require.NoError(t, os.WriteFile(unrelated, nil, 0o600))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	n, err := store.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, live)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, unrelated)
}
