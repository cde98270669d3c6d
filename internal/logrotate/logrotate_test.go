package logrotate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallThenRemove(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)

	require.NoError(t, m.Install("proj", 10485760))
	data, err := os.ReadFile(m.path("proj"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "instance_proj*.log")
	assert.Contains(t, string(data), "size 10485760")

	require.NoError(t, m.Remove("proj"))
	_, err = os.Stat(m.path("proj"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveMissingIsNoop(t *testing.T) {
	m := New(t.TempDir())
	assert.NoError(t, m.Remove("never-installed"))
}
