// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"fmt"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

var (
	ErrReadPartitionTable = NewArmImageError(ClassificationError, "Classification:ReadPartitionTable",
		"failed to read partition table")
	ErrNoPartitionTable = NewArmImageError(ClassificationError, "Classification:NoPartitionTable", "media has no partition table")
	ErrTooFewPartitions = NewArmImageError(ClassificationError, "Classification:TooFewPartitions", "image has too few partitions")
	ErrNoRootFilesystem = NewArmImageError(ClassificationError, "Classification:NoRootFilesystem", "root partition has no filesystem")
	ErrGetDiskSize      = NewArmImageError(ClassificationError, "Classification:GetDiskSize", "failed to get media size")
	ErrPartitionNumber  = NewArmImageError(ClassificationError, "Classification:PartitionNumber", "failed to get partition number")
)

const (
	// MBR partition type of Linux swap.
	mbrTypeSwap = "82"
	// GPT partition type of Linux swap.
	gptTypeSwap = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
)

// Partition is one entry of a PartitionLayout.
type Partition struct {
	Number         int
	DevicePath     string
	StartSector    int64
	SizeSectors    int64
	StartBytes     uint64
	SizeBytes      uint64
	PartTypeUuid   string
	PartLabel      string
	FileSystemType string
	FileSystemUuid string
}

func (p Partition) IsSwap() bool {
	return p.FileSystemType == diskutils.FileSystemTypeSwap || p.PartTypeUuid == mbrTypeSwap ||
		strings.EqualFold(p.PartTypeUuid, gptTypeSwap)
}

func (p Partition) HasFileSystem() bool {
	return p.FileSystemType != ""
}

// PartitionLayout is the partition table of the written media, as read back from the device.
type PartitionLayout struct {
	DiskDevicePath string
	// "dos" or "gpt".
	TableKind     string
	SectorSize    int
	DiskSizeBytes uint64
	Partitions    []Partition
	// -1 when the image has no boot partition.
	BootIndex int
	RootIndex int

	table *diskutils.PartitionTable
}

func (l *PartitionLayout) Root() Partition {
	return l.Partitions[l.RootIndex]
}

func (l *PartitionLayout) Boot() (Partition, bool) {
	if l.BootIndex < 0 {
		return Partition{}, false
	}
	return l.Partitions[l.BootIndex], true
}

// TrailingFreeBytes is the unpartitioned space following the root partition.
func (l *PartitionLayout) TrailingFreeBytes() uint64 {
	return diskutils.TrailingFreeBytes(l.table, l.RootIndex, l.DiskSizeBytes)
}

// ReadPartitionLayout reads the partition table of a bound device and picks its boot and root partitions.
func ReadPartitionLayout(ctx context.Context, host hostcap.Host, diskDevPath string) (*PartitionLayout, error) {
	table, err := diskutils.ReadDiskPartitionTable(ctx, host, diskDevPath)
	if err != nil {
		return nil, fmt.Errorf("%w (device='%s'):\n%w", ErrReadPartitionTable, diskDevPath, err)
	}
	if table == nil {
		return nil, fmt.Errorf("%w (device='%s')", ErrNoPartitionTable, diskDevPath)
	}

	diskSize, err := diskutils.GetDiskSize(ctx, host, diskDevPath)
	if err != nil {
		return nil, fmt.Errorf("%w (device='%s'):\n%w", ErrGetDiskSize, diskDevPath, err)
	}

	layout, err := newPartitionLayout(diskDevPath, table, diskSize)
	if err != nil {
		return nil, err
	}

	logger.Log.Infof("Partition table (%s): root partition (%s), filesystem (%s)", layout.TableKind,
		layout.Root().DevicePath, layout.Root().FileSystemType)

	boot, hasBoot := layout.Boot()
	if hasBoot {
		logger.Log.Debugf("Boot partition (%s), filesystem (%s)", boot.DevicePath, boot.FileSystemType)
	}

	return layout, nil
}

func newPartitionLayout(diskDevPath string, table *diskutils.PartitionTable, diskSize uint64,
) (*PartitionLayout, error) {
	sectorSize := uint64(table.SectorSize)

	partitions := make([]Partition, 0, len(table.Partitions))
	for _, tablePartition := range table.Partitions {
		number, err := diskutils.GetPartitionNum(tablePartition.Path)
		if err != nil {
			return nil, fmt.Errorf("%w:\n%w", ErrPartitionNumber, err)
		}

		partitions = append(partitions, Partition{
			Number:         number,
			DevicePath:     tablePartition.Path,
			StartSector:    tablePartition.Start,
			SizeSectors:    tablePartition.Size,
			StartBytes:     uint64(tablePartition.Start) * sectorSize,
			SizeBytes:      uint64(tablePartition.Size) * sectorSize,
			PartTypeUuid:   tablePartition.PartTypeUuid,
			PartLabel:      tablePartition.PartLabel,
			FileSystemType: tablePartition.FileSystemType,
			FileSystemUuid: tablePartition.FileSystemUuid,
		})
	}

	rootIndex, err := selectRootIndex(partitions)
	if err != nil {
		return nil, fmt.Errorf("%w (device='%s')", err, diskDevPath)
	}

	return &PartitionLayout{
		DiskDevicePath: diskDevPath,
		TableKind:      table.Label,
		SectorSize:     table.SectorSize,
		DiskSizeBytes:  diskSize,
		Partitions:     partitions,
		BootIndex:      selectBootIndex(partitions, rootIndex),
		RootIndex:      rootIndex,
		table:          table,
	}, nil
}

// selectRootIndex picks the root partition by position: the last partition, unless it is swap or is
// unformatted while the one before it is formatted.
func selectRootIndex(partitions []Partition) (int, error) {
	if len(partitions) < 2 {
		return 0, fmt.Errorf("%w: found (%d)", ErrTooFewPartitions, len(partitions))
	}

	last := len(partitions) - 1
	previous := last - 1

	rootIndex := last
	if partitions[last].IsSwap() ||
		(!partitions[last].HasFileSystem() && partitions[previous].HasFileSystem()) {
		rootIndex = previous
	}

	if !partitions[rootIndex].HasFileSystem() || partitions[rootIndex].IsSwap() {
		return 0, fmt.Errorf("%w (partition='%s')", ErrNoRootFilesystem, partitions[rootIndex].DevicePath)
	}

	return rootIndex, nil
}

// selectBootIndex picks the partition right before the root, falling back to the first vfat partition.
func selectBootIndex(partitions []Partition, rootIndex int) int {
	if rootIndex > 0 {
		candidate := partitions[rootIndex-1]
		if candidate.HasFileSystem() && !candidate.IsSwap() {
			return rootIndex - 1
		}
	}

	for i, partition := range partitions {
		if i != rootIndex && partition.FileSystemType == diskutils.FileSystemTypeVfat {
			return i
		}
	}

	return -1
}
