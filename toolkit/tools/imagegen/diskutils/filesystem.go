// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

var ErrUnsupportedFilesystem = errors.New("unsupported filesystem type")

const (
	resize2fsNopMessage = "Nothing to do!"
	xfsGrowfsChanged    = "data blocks changed"
)

// GrowRequiresMount reports whether the filesystem can only be grown while mounted.
func GrowRequiresMount(fsType string) bool {
	switch fsType {
	case "xfs", "btrfs":
		return true
	default:
		return false
	}
}

// SupportedGrowFsType reports whether GrowFilesystem knows how to grow fsType.
func SupportedGrowFsType(fsType string) bool {
	switch fsType {
	case "ext2", "ext3", "ext4", "xfs", "btrfs":
		return true
	default:
		return false
	}
}

// GrowFilesystem grows the filesystem on devicePath to fill its block device.
// mountPoint must be set for filesystems that are grown online and empty for an offline ext grow.
// Returns false when the tool reported that there was nothing to grow.
func GrowFilesystem(ctx context.Context, host hostcap.Host, fsType string, devicePath string, mountPoint string,
) (grown bool, err error) {
	if !SupportedGrowFsType(fsType) {
		return false, fmt.Errorf("%w (%s) on (%s)", ErrUnsupportedFilesystem, fsType, devicePath)
	}

	if GrowRequiresMount(fsType) && mountPoint == "" {
		return false, fmt.Errorf("internal error: %s filesystem (%s) must be mounted to be grown", fsType, devicePath)
	}

	logger.Log.Infof("Growing %s filesystem on (%s)", fsType, devicePath)

	switch fsType {
	case "ext2", "ext3", "ext4":
		return growExtFilesystem(ctx, host, devicePath, mountPoint)

	case "xfs":
		stdout, stderr, err := host.Execute(ctx, "xfs_growfs", mountPoint)
		if err != nil {
			return false, fmt.Errorf("failed to grow xfs filesystem (%s):\n%v\n%w", mountPoint, stderr, err)
		}
		return strings.Contains(stdout, xfsGrowfsChanged), nil

	case "btrfs":
		_, stderr, err := host.Execute(ctx, "btrfs", "filesystem", "resize", "max", mountPoint)
		if err != nil {
			return false, fmt.Errorf("failed to grow btrfs filesystem (%s):\n%v\n%w", mountPoint, stderr, err)
		}
		return true, nil
	}

	return false, nil
}

func growExtFilesystem(ctx context.Context, host hostcap.Host, devicePath string, mountPoint string,
) (bool, error) {
	if mountPoint == "" {
		// resize2fs refuses to grow an unmounted filesystem that hasn't been checked recently.
		_, stderr, err := host.Execute(ctx, "e2fsck", "-fy", devicePath)
		if err != nil {
			return false, fmt.Errorf("failed to check (%s) with e2fsck:\n%v\n%w", devicePath, stderr, err)
		}
	}

	_, stderr, err := host.Execute(ctx, "resize2fs", devicePath)
	if err != nil {
		return false, fmt.Errorf("failed to resize (%s) with resize2fs:\n%v\n%w", devicePath, stderr, err)
	}

	return !strings.Contains(stderr, resize2fsNopMessage), nil
}
