// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package hostcap defines the privileged host operations the installer needs.
//
// Every component that touches block devices, loop devices, mounts or LVM receives a Host
// instead of calling the system directly, so that the components can be exercised in tests
// against a fake.
package hostcap

import (
	"context"
	"errors"
)

var ErrToolMustRunAsRoot = errors.New("tool should be run as root (e.g. by using sudo)")

// FilesystemUsage is the size information reported by statfs for a mounted filesystem.
type FilesystemUsage struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

type Host interface {
	// Execute runs a host program and returns its stdout and stderr.
	Execute(ctx context.Context, program string, args ...string) (stdout string, stderr string, err error)

	// ExecuteWithStdin runs a host program with the given stdin.
	ExecuteWithStdin(ctx context.Context, stdin string, program string, args ...string) (stdout string,
		stderr string, err error)

	Mount(source string, target string, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error

	// IsMountPoint reports whether path is currently a mount point.
	IsMountPoint(path string) (bool, error)

	// MountPointsForDevice lists mount points whose source is the device or one of its partitions.
	MountPointsForDevice(devicePath string) ([]string, error)

	// RereadPartitionTable asks the kernel to reread a disk's partition table.
	RereadPartitionTable(devicePath string) error

	// CheckExclusive fails if the block device is held open exclusively by someone else.
	CheckExclusive(devicePath string) error

	// FilesystemUsage returns statfs information for a mounted path.
	FilesystemUsage(path string) (FilesystemUsage, error)
}
