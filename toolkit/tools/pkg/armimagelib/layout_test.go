// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadPartitionLayoutFedora(t *testing.T) {
	host := testutils.NewFakeHost()
	disk := newFedoraDisk("/dev/loop0", diskutils.PartitionTableLabelMbr, "btrfs", 16*diskutils.GiB)
	disk.register(host)

	layout, err := ReadPartitionLayout(context.Background(), host, "/dev/loop0")
	require.NoError(t, err)

	assert.Equal(t, diskutils.PartitionTableLabelMbr, layout.TableKind)
	assert.Equal(t, 512, layout.SectorSize)
	assert.Equal(t, uint64(16*diskutils.GiB), layout.DiskSizeBytes)
	require.Len(t, layout.Partitions, 3)

	root := layout.Root()
	assert.Equal(t, "/dev/loop0p3", root.DevicePath)
	assert.Equal(t, 3, root.Number)
	assert.Equal(t, "btrfs", root.FileSystemType)
	assert.Equal(t, uint64(3328000*512), root.StartBytes)

	boot, hasBoot := layout.Boot()
	require.True(t, hasBoot)
	assert.Equal(t, "/dev/loop0p2", boot.DevicePath)

	rootEnd := uint64(3328000+5060608) * 512
	assert.Equal(t, uint64(16*diskutils.GiB)-rootEnd, layout.TrailingFreeBytes())
}

func TestReadPartitionLayoutNoTable(t *testing.T) {
	host := testutils.NewFakeHost()

	_, err := ReadPartitionLayout(context.Background(), host, "/dev/loop0")
	assert.ErrorIs(t, err, ErrNoPartitionTable)
	assert.ErrorIs(t, err, ClassificationError)
}

func TestSelectRootIndex(t *testing.T) {
	tests := []struct {
		name       string
		partitions []Partition
		expected   int
		err        error
	}{
		{
			name: "last partition",
			partitions: []Partition{
				{FileSystemType: "vfat"},
				{FileSystemType: "ext4"},
				{FileSystemType: "xfs"},
			},
			expected: 2,
		},
		{
			name: "trailing swap",
			partitions: []Partition{
				{FileSystemType: "vfat"},
				{FileSystemType: "ext4"},
				{FileSystemType: "swap"},
			},
			expected: 1,
		},
		{
			name: "trailing swap by mbr type",
			partitions: []Partition{
				{FileSystemType: "vfat"},
				{FileSystemType: "ext4"},
				{PartTypeUuid: "82"},
			},
			expected: 1,
		},
		{
			name: "trailing unformatted",
			partitions: []Partition{
				{FileSystemType: "vfat"},
				{FileSystemType: "ext4"},
				{},
			},
			expected: 1,
		},
		{
			name: "lvm root",
			partitions: []Partition{
				{FileSystemType: "vfat"},
				{FileSystemType: "ext4"},
				{FileSystemType: diskutils.FileSystemTypeLvmMember},
			},
			expected: 2,
		},
		{
			name: "single partition",
			partitions: []Partition{
				{FileSystemType: "ext4"},
			},
			err: ErrTooFewPartitions,
		},
		{
			name: "nothing formatted",
			partitions: []Partition{
				{},
				{},
			},
			err: ErrNoRootFilesystem,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			index, err := selectRootIndex(test.partitions)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.expected, index)
		})
	}
}

func TestSelectBootIndex(t *testing.T) {
	// Raspberry Pi OS style: vfat boot directly before the root.
	assert.Equal(t, 0, selectBootIndex([]Partition{
		{FileSystemType: "vfat"},
		{FileSystemType: "ext4"},
	}, 1))

	// Swap between the EFI partition and the root.
	assert.Equal(t, 0, selectBootIndex([]Partition{
		{FileSystemType: "vfat"},
		{FileSystemType: "swap"},
		{FileSystemType: "ext4"},
	}, 2))

	assert.Equal(t, -1, selectBootIndex([]Partition{
		{},
		{FileSystemType: "ext4"},
	}, 1))
}
