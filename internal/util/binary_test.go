package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), mode))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("environment variable wins", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "air", 0o755)
		t.Setenv("TEST_BINARY_PATH", bin)

		path, err := FindBinary("ls", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("explicit path", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "air", 0o755)

		path, err := FindBinary(bin, "")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("explicit path that is not executable", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "air", 0o644)

		_, err := FindBinary(bin, "")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("current directory", func(t *testing.T) {
		dir := t.TempDir()
		writeExecutable(t, dir, "local-air", 0o755)
		chdir(t, dir)

		path, err := FindBinary("local-air", "")
		require.NoError(t, err)
		assert.Equal(t, "./local-air", path)
	})

	t.Run("PATH lookup", func(t *testing.T) {
		dir := t.TempDir()
		writeExecutable(t, dir, "path-air", 0o755)
		t.Setenv("PATH", dir)

		path, err := FindBinary("path-air", "")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "path-air"), path)
	})

	t.Run("env var pointing nowhere falls through", func(t *testing.T) {
		t.Setenv("TEST_BINARY_PATH", "/nonexistent/path/to/binary")

		_, err := FindBinary("definitely-nonexistent-binary-12345", "TEST_BINARY_PATH")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("directories are not binaries", func(t *testing.T) {
		_, err := FindBinary(t.TempDir(), "")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("empty name", func(t *testing.T) {
		_, err := FindBinary("", "")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
