// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var logMessagesHook *logger.MemoryLogHook

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	logMessagesHook = logger.NewMemoryLogHook()
	logger.Log.Hooks.Add(logMessagesHook)
	unmountDelay = 0
	os.Exit(m.Run())
}

func TestMountCreatesAndDeletesDir(t *testing.T) {
	host := testutils.NewFakeHost()
	target := filepath.Join(t.TempDir(), "root")

	mount, err := NewMount(host, "/dev/loop0p3", target, "ext4", 0, "", true)
	require.NoError(t, err)
	assert.DirExists(t, target)
	assert.Equal(t, []string{target}, host.ActiveMounts())

	err = mount.CleanClose()
	assert.NoError(t, err)
	assert.Empty(t, host.ActiveMounts())
	assert.NoDirExists(t, target)

	// Second close is a no-op.
	assert.NoError(t, mount.CleanClose())
}

func TestMountKeepsExistingDir(t *testing.T) {
	host := testutils.NewFakeHost()
	target := t.TempDir()

	mount, err := NewMount(host, "/dev/loop0p1", target, "vfat", 0, "", true)
	require.NoError(t, err)

	mount.Close()
	assert.Empty(t, host.ActiveMounts())
	assert.DirExists(t, target)
}

func TestMountFailureRemovesCreatedDir(t *testing.T) {
	host := testutils.NewFakeHost()
	host.MountHook = func(source string, target string) error {
		return errors.New("bad superblock")
	}
	target := filepath.Join(t.TempDir(), "root")

	_, err := NewMount(host, "/dev/loop0p3", target, "ext4", 0, "", true)
	assert.ErrorContains(t, err, "bad superblock")
	assert.NoDirExists(t, target)
}

func TestUnmountFailureIsReported(t *testing.T) {
	host := testutils.NewFakeHost()
	target := t.TempDir()

	mount, err := NewMount(host, "/dev/loop0p3", target, "ext4", 0, "", false)
	require.NoError(t, err)

	host.FailUnmount(target, errors.New("target is held open"))
	err = mount.CleanClose()
	assert.ErrorContains(t, err, "target is held open")
	assert.True(t, mount.IsMounted())
}

func TestBusyUnmountReportsProcesses(t *testing.T) {
	host := testutils.NewFakeHost()
	target := t.TempDir()
	host.On("lsof -v", func(testutils.FakeCommand) (string, string, error) {
		return "", "    revision: 4.98.0\n", nil
	})
	host.OnOutput("lsof -Q -F pc -- "+target, "p4242\ncvim\n")

	mount, err := NewMount(host, "/dev/loop0p3", target, "ext4", 0, "", false)
	require.NoError(t, err)

	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	host.FailUnmount(target, fmt.Errorf("umount: %w", unix.EBUSY))
	err = mount.CleanClose()
	assert.ErrorIs(t, err, unix.EBUSY)
	assert.True(t, logs.ContainsMessage(logrus.WarnLevel, "Process (vim(4242)) is using mount ("+target+")"))
}
