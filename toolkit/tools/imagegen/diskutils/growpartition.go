// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"context"
	"fmt"
	"strconv"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

// TrailingFreeBytes returns the number of bytes between the end of the given partition and the end of
// the usable disk area. On GPT disks the backup header area is excluded.
func TrailingFreeBytes(partitionTable *PartitionTable, partitionIndex int, diskSizeInBytes uint64) uint64 {
	sectorSize := uint64(partitionTable.SectorSize)
	partition := partitionTable.Partitions[partitionIndex]
	partitionEnd := uint64(partition.Start+partition.Size) * sectorSize

	// Another partition placed after this one (e.g. an out-of-order table) caps the growth.
	limit := diskSizeInBytes
	for _, other := range partitionTable.Partitions {
		otherStart := uint64(other.Start) * sectorSize
		if otherStart >= partitionEnd && otherStart < limit {
			limit = otherStart
		}
	}

	if partitionTable.Label == PartitionTableLabelGpt {
		// Backup GPT: 32 sectors of entries + 1 header sector.
		gptBackupBytes := 33 * sectorSize
		if limit == diskSizeInBytes && limit > gptBackupBytes {
			limit -= gptBackupBytes
		}
	}

	if limit <= partitionEnd {
		return 0
	}
	return limit - partitionEnd
}

// GrowPartition grows a partition to fill the free space following it.
func GrowPartition(ctx context.Context, host hostcap.Host, diskDevPath string, partitionTableLabel string,
	partitionNumber int,
) error {
	logger.Log.Infof("Growing partition (%d) on (%s)", partitionNumber, diskDevPath)

	if partitionTableLabel == PartitionTableLabelGpt {
		// When an image is written to larger media, the backup GPT header sits in the middle of the disk.
		// Move it to the end so the free space becomes usable.
		_, stderr, err := host.Execute(ctx, "flock", "--timeout", "5", diskDevPath, "sfdisk", "--lock=no",
			"--relocate", "gpt-bak-std", diskDevPath)
		if err != nil {
			return fmt.Errorf("failed to relocate backup GPT header on (%s):\n%v\n%w", diskDevPath, stderr, err)
		}
	}

	// ", +" keeps the start sector and extends the size to the maximum available.
	sfdiskScript := ", +"
	_, stderr, err := host.ExecuteWithStdin(ctx, sfdiskScript, "flock", "--timeout", "5", diskDevPath, "sfdisk",
		"--lock=no", "--no-reread", "-N", strconv.Itoa(partitionNumber), diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to resize partition (%d) on (%s) with sfdisk (and flock):\n%v\n%w", partitionNumber,
			diskDevPath, stderr, err)
	}

	return nil
}
