package acmeapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateAccountKey_CreatesThenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme", "account.key")

	created, err := LoadOrCreateAccountKey(path)
	require.NoError(t, err)
	require.NotNil(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadOrCreateAccountKey(path)
	require.NoError(t, err)
	assert.Equal(t, created.Public(), loaded.Public())
}

func TestLoadOrCreateAccountKey_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrCreateAccountKey(path)
	require.Error(t, err)
}
