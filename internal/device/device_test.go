package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityGeneratedAndStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_id")

	id, err := Identity(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	again, err := Identity(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestIdentityRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_id")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o644))

	_, err := Identity(path)
	assert.Error(t, err)
}
