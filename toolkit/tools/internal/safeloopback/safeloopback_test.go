// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safeloopback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.InitStderrLog()
	os.Exit(m.Run())
}

func TestLoopbackAttachDetach(t *testing.T) {
	host := testutils.NewFakeHost()
	diskPath := filepath.Join(t.TempDir(), "disk.raw")

	loopback, err := NewLoopback(context.Background(), host, diskPath)
	require.NoError(t, err)
	assert.Equal(t, "/dev/loop0", loopback.DevicePath())
	assert.Equal(t, []string{"/dev/loop0"}, host.ActiveLoopDevices())

	err = loopback.CleanClose()
	assert.NoError(t, err)
	assert.Empty(t, host.ActiveLoopDevices())

	// Detach happens once.
	assert.NoError(t, loopback.CleanClose())
	assert.Len(t, host.CommandsWithPrefix("losetup -d"), 1)
}

func TestLoopbackAlreadyAttached(t *testing.T) {
	host := testutils.NewFakeHost()
	diskPath := filepath.Join(t.TempDir(), "disk.raw")
	host.AttachLoopDevice("/dev/loop7", diskPath)

	_, err := NewLoopback(context.Background(), host, diskPath)
	assert.ErrorIs(t, err, ErrLoopbackInUse)
	assert.ErrorContains(t, err, "/dev/loop7")

	// No new binding was made.
	assert.Empty(t, host.CommandsWithPrefix("losetup --show"))
}

func TestLoopbackDetachedWhenSettleFails(t *testing.T) {
	host := testutils.NewFakeHost()
	host.FailOn("udevadm settle", errors.New("timeout"))
	diskPath := filepath.Join(t.TempDir(), "disk.raw")

	_, err := NewLoopback(context.Background(), host, diskPath)
	assert.ErrorContains(t, err, "failed to wait for loopback device")
	assert.Empty(t, host.ActiveLoopDevices())
}

func TestLoopbackDetachesAfterCancel(t *testing.T) {
	host := testutils.NewFakeHost()
	diskPath := filepath.Join(t.TempDir(), "disk.raw")
	ctx, cancel := context.WithCancel(context.Background())

	loopback, err := NewLoopback(ctx, host, diskPath)
	require.NoError(t, err)

	cancel()
	assert.NoError(t, loopback.CleanClose())
	assert.Empty(t, host.ActiveLoopDevices())
}
