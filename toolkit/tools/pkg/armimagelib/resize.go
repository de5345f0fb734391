// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"fmt"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/devicesession"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrResizeUnsupportedFs = NewArmImageError(ResizeError, "Resize:UnsupportedFilesystem", "cannot grow root filesystem type")
	ErrResizeMeasure       = NewArmImageError(ResizeError, "Resize:Measure", "failed to measure root filesystem")
	ErrResizeMount         = NewArmImageError(ResizeError, "Resize:Mount", "failed to mount root filesystem")
	ErrResizePartition     = NewArmImageError(ResizeError, "Resize:Partition", "failed to grow root partition")
	ErrResizeReread        = NewArmImageError(ResizeError, "Resize:Reread", "kernel did not pick up the grown partition")
	ErrResizeLvm           = NewArmImageError(ResizeError, "Resize:Lvm", "failed to grow root logical volume")
	ErrResizeFilesystem    = NewArmImageError(ResizeError, "Resize:Filesystem", "failed to grow root filesystem")
	ErrResizeNoGrowth      = NewArmImageError(ResizeError, "Resize:NoGrowth", "root filesystem did not grow")
)

const (
	// Less trailing space than this is treated as "already fills the media".
	minResizeBytes = 1 * diskutils.MiB

	// The filesystem must grow by at least this fraction of its original size.
	minGrowthRatio = 0.01

	refreshAttempts = 2
	refreshDelay    = 1 * time.Second
)

// ResizeResult reports the outcome of ResizeRootFilesystem.
type ResizeResult struct {
	// False when the root partition already filled the media.
	Resized     bool
	BeforeBytes uint64
	AfterBytes  uint64
}

// ResizeRootFilesystem grows the root partition, the LVM volumes on it (if any) and the root filesystem to
// fill the media. Running it on media that is already filled is a no-op.
func ResizeRootFilesystem(ctx context.Context, host hostcap.Host, session *devicesession.Session,
	layout *PartitionLayout, rootVolume RootVolume, mountDir string,
) (result ResizeResult, err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "resize_root_filesystem")
	span.SetAttributes(
		attribute.String("root_volume_kind", string(rootVolume.Kind())),
		attribute.String("filesystem", rootVolume.FileSystemType()),
	)
	defer func() {
		span.SetAttributes(attribute.Bool("resized", result.Resized))
		span.End()
	}()

	trailingFree := layout.TrailingFreeBytes()
	if trailingFree < minResizeBytes {
		logger.Log.Infof("Root partition already fills the media, nothing to resize")
		return ResizeResult{}, nil
	}

	fsType := rootVolume.FileSystemType()
	if !diskutils.SupportedGrowFsType(fsType) {
		return ResizeResult{}, fmt.Errorf("%w (%s) on (%s)", ErrResizeUnsupportedFs, fsType, rootVolume.BlockDevice())
	}

	logger.Log.Infof("Growing root filesystem into (%s) of free space", armimageapi.MediaSize(trailingFree))

	before, err := measureFilesystem(host, session, rootVolume, mountDir)
	if err != nil {
		return ResizeResult{}, err
	}

	err = growRootPartition(ctx, host, layout, rootVolume)
	if err != nil {
		return ResizeResult{}, err
	}

	err = growRootFilesystem(ctx, host, session, rootVolume, mountDir)
	if err != nil {
		return ResizeResult{}, err
	}

	after, err := measureFilesystem(host, session, rootVolume, mountDir)
	if err != nil {
		return ResizeResult{}, err
	}

	result = ResizeResult{
		Resized:     true,
		BeforeBytes: before,
		AfterBytes:  after,
	}

	err = checkGrowth(result, trailingFree)
	if err != nil {
		return ResizeResult{}, err
	}

	logger.Log.Infof("Root filesystem grew from (%s) to (%s)", armimageapi.MediaSize(before),
		armimageapi.MediaSize(after))

	return result, nil
}

func growRootPartition(ctx context.Context, host hostcap.Host, layout *PartitionLayout, rootVolume RootVolume,
) error {
	diskDevPath := layout.DiskDevicePath
	partitionNumber := rootVolume.PartitionNumber()

	err := diskutils.GrowPartition(ctx, host, diskDevPath, layout.TableKind, partitionNumber)
	if err != nil {
		return fmt.Errorf("%w (device='%s', partition=%d):\n%w", ErrResizePartition, diskDevPath, partitionNumber,
			err)
	}

	refreshPartitions := diskutils.RefreshPartitions
	if _, isLvm := lvmVolumeOf(rootVolume); isLvm {
		// The session activated the volume group, so device-mapper holds the root partition.
		refreshPartitions = diskutils.RefreshHeldPartitions
	}

	err = retry.Run(func() error {
		return refreshPartitions(ctx, host, diskDevPath)
	}, refreshAttempts, refreshDelay)
	if err != nil {
		return fmt.Errorf("%w (device='%s'):\n%w", ErrResizeReread, diskDevPath, err)
	}

	lvmVolume, isLvm := lvmVolumeOf(rootVolume)
	if !isLvm {
		return nil
	}

	return growLvm(ctx, host, lvmVolume)
}

// lvmVolumeOf returns the logical volume under the root volume, if there is one.
func lvmVolumeOf(rootVolume RootVolume) (*LvmLogicalVolume, bool) {
	if deployment, isOstree := rootVolume.(*OstreeDeployment); isOstree {
		rootVolume = deployment.Base
	}

	lvmVolume, isLvm := rootVolume.(*LvmLogicalVolume)
	return lvmVolume, isLvm
}

func growLvm(ctx context.Context, host hostcap.Host, lvmVolume *LvmLogicalVolume) error {

	err := diskutils.ResizePhysicalVolume(ctx, host, lvmVolume.Partition.DevicePath)
	if err != nil {
		return fmt.Errorf("%w (pv='%s'):\n%w", ErrResizeLvm, lvmVolume.Partition.DevicePath, err)
	}

	extended, err := diskutils.ExtendLogicalVolumeToFill(ctx, host, lvmVolume.DevicePath)
	if err != nil {
		return fmt.Errorf("%w (lv='%s'):\n%w", ErrResizeLvm, lvmVolume.DevicePath, err)
	}
	if !extended {
		logger.Log.Warnf("Volume group (%s) had no free extents after growing (%s)", lvmVolume.VolumeGroup,
			lvmVolume.Partition.DevicePath)
	}

	return nil
}

func growRootFilesystem(ctx context.Context, host hostcap.Host, session *devicesession.Session,
	rootVolume RootVolume, mountDir string,
) (err error) {
	fsType := rootVolume.FileSystemType()
	devicePath := rootVolume.BlockDevice()

	mountPoint := ""
	if diskutils.GrowRequiresMount(fsType) {
		_, err = session.Mount(devicePath, mountDir, fsType, 0, "")
		if err != nil {
			return fmt.Errorf("%w (device='%s'):\n%w", ErrResizeMount, devicePath, err)
		}
		defer func() {
			unmountErr := session.Unmount(mountDir)
			if unmountErr != nil && err == nil {
				err = fmt.Errorf("%w (path='%s'):\n%w", ErrResizeMount, mountDir, unmountErr)
			}
		}()
		mountPoint = mountDir
	}

	grown, err := diskutils.GrowFilesystem(ctx, host, fsType, devicePath, mountPoint)
	if err != nil {
		return fmt.Errorf("%w (device='%s'):\n%w", ErrResizeFilesystem, devicePath, err)
	}
	if !grown {
		logger.Log.Warnf("Growing filesystem on (%s) reported nothing to do", devicePath)
	}

	return nil
}

// measureFilesystem mounts the root filesystem just long enough to statfs it.
func measureFilesystem(host hostcap.Host, session *devicesession.Session, rootVolume RootVolume, mountDir string,
) (size uint64, err error) {
	devicePath := rootVolume.BlockDevice()

	mount, err := session.Mount(devicePath, mountDir, rootVolume.FileSystemType(), 0, "")
	if err != nil {
		return 0, fmt.Errorf("%w (device='%s'):\n%w", ErrResizeMount, devicePath, err)
	}
	defer func() {
		unmountErr := session.Unmount(mountDir)
		if unmountErr != nil && err == nil {
			err = fmt.Errorf("%w (path='%s'):\n%w", ErrResizeMount, mountDir, unmountErr)
		}
	}()

	usage, err := host.FilesystemUsage(mount.Target())
	if err != nil {
		return 0, fmt.Errorf("%w (device='%s'):\n%w", ErrResizeMeasure, devicePath, err)
	}

	return usage.TotalBytes, nil
}

// checkGrowth requires the filesystem to have grown by max(1 MiB, 1%). The requirement is capped at half of the
// space the partition grew by, since filesystem metadata takes its share of small grows.
func checkGrowth(result ResizeResult, trailingFree uint64) error {
	required := max(uint64(minResizeBytes), uint64(float64(result.BeforeBytes)*minGrowthRatio))
	required = min(required, trailingFree/2)

	if result.AfterBytes < result.BeforeBytes || result.AfterBytes-result.BeforeBytes < required {
		return fmt.Errorf("%w: before (%s), after (%s), expected growth of at least (%s)", ErrResizeNoGrowth,
			armimageapi.MediaSize(result.BeforeBytes), armimageapi.MediaSize(result.AfterBytes),
			armimageapi.MediaSize(required))
	}

	return nil
}
