// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safeloopback

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

// ErrLoopbackInUse is returned when the disk file is already bound to a loop device.
var ErrLoopbackInUse = errors.New("disk file is already attached to a loop device")

// Loopback is a loop device bound to a disk file. It is detached exactly once.
type Loopback struct {
	ctx          context.Context
	host         hostcap.Host
	devicePath   string
	diskFilePath string
	isAttached   bool
}

// NewLoopback binds diskFilePath to a free loop device and waits for its partitions to appear.
// Fails fast if another loop device already backs the same file.
func NewLoopback(ctx context.Context, host hostcap.Host, diskFilePath string) (*Loopback, error) {
	absPath, err := filepath.Abs(diskFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path of disk file (%s):\n%w", diskFilePath, err)
	}

	l := &Loopback{
		ctx:          context.WithoutCancel(ctx),
		host:         host,
		diskFilePath: absPath,
	}

	err = l.newLoopbackHelper(ctx)
	if err != nil {
		l.Close()
		return nil, err
	}

	return l, nil
}

func (l *Loopback) newLoopbackHelper(ctx context.Context) error {
	existing, err := diskutils.FindLoopbackDevicesForFile(ctx, l.host, l.diskFilePath)
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		return fmt.Errorf("%w (file='%s', devices='%s')", ErrLoopbackInUse, l.diskFilePath,
			strings.Join(existing, ","))
	}

	devicePath, err := diskutils.SetupLoopbackDevice(ctx, l.host, l.diskFilePath)
	if err != nil {
		return err
	}

	l.devicePath = devicePath
	l.isAttached = true

	err = diskutils.WaitForDiskDevice(ctx, l.host, devicePath)
	if err != nil {
		return fmt.Errorf("failed to wait for loopback device (%s) partitions:\n%w", devicePath, err)
	}

	return nil
}

func (l *Loopback) DevicePath() string {
	return l.devicePath
}

func (l *Loopback) DiskFilePath() string {
	return l.diskFilePath
}

// Close detaches the loop device and logs any error.
func (l *Loopback) Close() {
	err := l.close()
	if err != nil {
		logger.Log.Warnf("failed to close loopback (%s):\n%v", l.devicePath, err)
	}
}

// CleanClose detaches the loop device and returns any error.
func (l *Loopback) CleanClose() error {
	return l.close()
}

func (l *Loopback) close() error {
	if !l.isAttached {
		return nil
	}

	err := diskutils.DetachLoopbackDevice(l.ctx, l.host, l.devicePath)
	if err != nil {
		return err
	}

	l.isAttached = false

	err = diskutils.WaitForLoopbackToDetach(l.ctx, l.host, l.devicePath, l.diskFilePath)
	if err != nil {
		return err
	}

	return nil
}
