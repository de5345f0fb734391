// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUbootInstaller(t *testing.T) (*UbootInstaller, *testutils.FakeHost) {
	host := testutils.NewFakeHost()
	installer := NewUbootInstaller(host)
	installer.hostUbootDir = t.TempDir()
	return installer, host
}

func writeUbootBinary(t *testing.T, dir string, board Board) string {
	path := filepath.Join(dir, board.Name, board.Uboot.FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("u-boot"), 0o644))
	return path
}

func TestInstallBootloaderFromImage(t *testing.T) {
	installer, host := newTestUbootInstaller(t)
	rootDir := t.TempDir()

	board, err := ResolveBoard("pine64_plus")
	require.NoError(t, err)

	imageUboot := writeUbootBinary(t, filepath.Join(rootDir, ubootDirInImage), board)
	writeUbootBinary(t, installer.hostUbootDir, board)

	err = installer.InstallBootloader(context.Background(), board, "/dev/sdb", rootDir, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"dd if=" + imageUboot + " of=/dev/sdb bs=1024 seek=8 conv=notrunc,fsync"},
		host.Commands())
}

func TestInstallBootloaderHostFallback(t *testing.T) {
	installer, host := newTestUbootInstaller(t)

	board, err := ResolveBoard("beagleplay")
	require.NoError(t, err)

	hostUboot := writeUbootBinary(t, installer.hostUbootDir, board)

	err = installer.InstallBootloader(context.Background(), board, "/tmp/disk.raw", t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, []string{"dd if=" + hostUboot + " of=/tmp/disk.raw bs=1024 seek=64 conv=notrunc,fsync"},
		host.Commands())
}

func TestInstallBootloaderNotNeeded(t *testing.T) {
	installer, host := newTestUbootInstaller(t)

	board, err := ResolveBoard("RaspberryPi4-64")
	require.NoError(t, err)

	require.NoError(t, installer.InstallBootloader(context.Background(), board, "/dev/sdb", t.TempDir(), ""))
	assert.Empty(t, host.Commands())
}

func TestInstallBootloaderMissingBinary(t *testing.T) {
	installer, host := newTestUbootInstaller(t)

	board, err := ResolveBoard("rock-pi-4-rk3399")
	require.NoError(t, err)

	err = installer.InstallBootloader(context.Background(), board, "/dev/sdb", t.TempDir(), "")
	assert.ErrorIs(t, err, ErrBootloaderNotFound)
	assert.ErrorIs(t, err, CustomizationError)
	assert.Empty(t, host.Commands())
}

func TestInstallBootloaderWriteFails(t *testing.T) {
	installer, host := newTestUbootInstaller(t)
	host.FailOn("dd", errors.New("exit status 1"))

	board, err := ResolveBoard("nanopi_a64")
	require.NoError(t, err)
	writeUbootBinary(t, installer.hostUbootDir, board)

	err = installer.InstallBootloader(context.Background(), board, "/dev/sdb", t.TempDir(), "")
	assert.ErrorIs(t, err, ErrBootloaderWrite)
}
