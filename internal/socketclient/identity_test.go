package socketclient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/chatty/internal/protocol"
)

func TestIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_id")

	id, err := LoadIdentity(path)
	require.NoError(t, err)
	assert.Zero(t, id, "missing file means no identity yet")

	require.NoError(t, SaveIdentity(path, 7))
	require.NoError(t, SaveIdentity(path, 1<<40))
	id, err = LoadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, protocol.ID(1<<40), id)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 8)
}

func TestIdentityFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "_id")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	_, err := LoadIdentity(path)
	assert.Error(t, err)
}
