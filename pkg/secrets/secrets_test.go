package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesWithAppOverridingShared(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.default"), []byte("X=shared\nY=shared-only\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.demo"), []byte("X=app\n"), 0o600))

	values, err := Load(dir, "demo")
	require.NoError(t, err)
	assert.Equal(t, "app", values["X"])
	assert.Equal(t, "shared-only", values["Y"])
}

func TestLoadIgnoresCommentsAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.default"), []byte("# comment\n\nX=1\n"), 0o600))

	values, err := Load(dir, "")
	require.NoError(t, err)
	assert.Equal(t, "1", values["X"])
}

func TestMissingFilesContributeNothing(t *testing.T) {
	dir := t.TempDir()
	values, err := Load(dir, "demo")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestSetThenListShowsKeyNotValue(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Set(dir, "demo", "SECRET_KEY", "topsecret"))

	keys, err := List(dir, "demo")
	require.NoError(t, err)
	assert.Equal(t, []string{"SECRET_KEY"}, keys)

	info, err := os.Stat(filepath.Join(dir, "secrets.demo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRemoveDeletesKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Set(dir, "demo", "A", "1"))
	require.NoError(t, Set(dir, "demo", "B", "2"))
	require.NoError(t, Remove(dir, "demo", "A"))

	values, err := Load(dir, "demo")
	require.NoError(t, err)
	_, hasA := values["A"]
	assert.False(t, hasA)
	assert.Equal(t, "2", values["B"])
}
