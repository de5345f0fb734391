// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestGetAbsPathWithBase(t *testing.T) {
	assert.Equal(t, "/etc/config.ign", GetAbsPathWithBase("/home/user", "/etc/config.ign"))
	assert.Equal(t, "/home/user/keys/id.pub", GetAbsPathWithBase("/home/user", "keys/id.pub"))
}

func TestAppendAndContainsLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized_keys")

	require.NoError(t, Append("ssh-ed25519 AAAA user@host\n", path, 0o600))

	found, err := ContainsLine(path, "ssh-ed25519 AAAA user@host")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = ContainsLine(path, "ssh-ed25519 AAAA")
	require.NoError(t, err)
	assert.False(t, found)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileCopyBuilder(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "config.ign")
	dst := filepath.Join(dir, "boot/ignition/config.ign")
	require.NoError(t, os.WriteFile(src, []byte(`{"ignition":{"version":"3.4.0"}}`), 0o644))

	err := NewFileCopyBuilder(src, dst).
		SetDirFileMode(0o700).
		SetFileMode(0o600).
		SetSync().
		SetVerify().
		Run()
	require.NoError(t, err)

	equal, err := ContentEquals(dst, []byte(`{"ignition":{"version":"3.4.0"}}`))
	require.NoError(t, err)
	assert.True(t, equal)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	info, err = os.Stat(filepath.Dir(dst))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestFileCopyBuilderRejectsDir(t *testing.T) {
	dir := t.TempDir()
	err := NewFileCopyBuilder(dir, filepath.Join(dir, "copy")).Run()
	assert.ErrorContains(t, err, "is not a file")
}
