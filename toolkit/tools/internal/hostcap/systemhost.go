// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package hostcap

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/shell"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// SystemHost performs operations against the real host.
type SystemHost struct{}

// NewSystemHost returns a Host for the running system. The caller must be root.
func NewSystemHost() (*SystemHost, error) {
	if os.Geteuid() != 0 {
		return nil, ErrToolMustRunAsRoot
	}

	return &SystemHost{}, nil
}

func (h *SystemHost) Execute(ctx context.Context, program string, args ...string) (string, string, error) {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
}

func (h *SystemHost) ExecuteWithStdin(ctx context.Context, stdin string, program string, args ...string,
) (string, string, error) {
	return shell.NewExecBuilder(program, args...).
		Context(ctx).
		Stdin(stdin).
		ErrorStderrLines(1).
		ExecuteCaptureOutput()
}

func (h *SystemHost) Mount(source string, target string, fstype string, flags uintptr, data string) error {
	logger.Log.Debugf("Mounting (%s) at (%s)", source, target)

	err := unix.Mount(source, target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", source, target, err)
	}

	return nil
}

func (h *SystemHost) Unmount(target string, flags int) error {
	logger.Log.Debugf("Unmounting (%s)", target)

	err := unix.Unmount(target, flags)
	if err != nil {
		return fmt.Errorf("failed to unmount (%s):\n%w", target, err)
	}

	return nil
}

func (h *SystemHost) IsMountPoint(path string) (bool, error) {
	return mountinfo.Mounted(path)
}

func (h *SystemHost) MountPointsForDevice(devicePath string) ([]string, error) {
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		return !IsDeviceOrPartition(info.Source, devicePath), false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table:\n%w", err)
	}

	mountPoints := []string(nil)
	for _, mount := range mounts {
		mountPoints = append(mountPoints, mount.Mountpoint)
	}

	return mountPoints, nil
}

func (h *SystemHost) RereadPartitionTable(devicePath string) error {
	diskFile, err := os.OpenFile(devicePath, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer diskFile.Close()

	waitTime := 125 * time.Millisecond
	retries := 10
	for i := 0; ; i++ {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, diskFile.Fd(), unix.BLKRRPART, 0)
		switch {
		case errno == unix.EBUSY && i < retries:
			// Something else is using the disk at the moment.
			time.Sleep(waitTime)
			waitTime *= 2
			continue

		case errno != 0:
			return errno

		default:
			return nil
		}
	}
}

func (h *SystemHost) CheckExclusive(devicePath string) error {
	fd, err := unix.Open(devicePath, unix.O_RDONLY|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.EBUSY {
			return fmt.Errorf("device (%s) is in use", devicePath)
		}
		return fmt.Errorf("failed to open device (%s):\n%w", devicePath, err)
	}

	return unix.Close(fd)
}

func (h *SystemHost) FilesystemUsage(path string) (FilesystemUsage, error) {
	var stat unix.Statfs_t
	err := unix.Statfs(path, &stat)
	if err != nil {
		return FilesystemUsage{}, fmt.Errorf("failed to statfs (%s):\n%w", path, err)
	}

	return FilesystemUsage{
		TotalBytes:     uint64(stat.Blocks) * uint64(stat.Bsize),
		AvailableBytes: uint64(stat.Bavail) * uint64(stat.Bsize),
	}, nil
}

// IsDeviceOrPartition reports whether path is the disk itself or one of its partition nodes
// (e.g. /dev/sda1, /dev/mmcblk0p2, /dev/loop3p1).
func IsDeviceOrPartition(path string, diskPath string) bool {
	if path == diskPath {
		return true
	}

	suffix, found := strings.CutPrefix(path, diskPath)
	if !found {
		return false
	}

	suffix = strings.TrimPrefix(suffix, "p")
	if suffix == "" {
		return false
	}

	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}
