// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
)

const testSectorSize = 512

type fakePartition struct {
	start    int64
	size     int64
	partType string
	fsType   string
}

// fakeDisk answers the partition table queries (sfdisk, blkid, lsblk) of one disk on a FakeHost. Growing a
// partition with sfdisk updates the table that later queries see.
type fakeDisk struct {
	lock       sync.Mutex
	device     string
	label      string
	sizeBytes  uint64
	partitions []fakePartition
}

// newFedoraDisk mimics a Fedora aarch64 raw image (EFI, /boot, root) written to larger media.
func newFedoraDisk(device string, label string, rootFsType string, diskSize uint64) *fakeDisk {
	return &fakeDisk{
		device:    device,
		label:     label,
		sizeBytes: diskSize,
		partitions: []fakePartition{
			{start: 2048, size: 1228800, partType: "6", fsType: "vfat"},
			{start: 1230848, size: 2097152, partType: "83", fsType: "ext4"},
			{start: 3328000, size: 5060608, partType: "83", fsType: rootFsType},
		},
	}
}

func (d *fakeDisk) partitionPath(number int) string {
	return diskutils.PartitionDevPath(d.device, number)
}

func (d *fakeDisk) rootSizeSectors() int64 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.partitions[len(d.partitions)-1].size
}

func (d *fakeDisk) register(host *testutils.FakeHost) {
	host.On("sfdisk --lock=no --dump --json "+d.device, func(testutils.FakeCommand) (string, string, error) {
		return d.sfdiskJson(), "", nil
	})

	host.On("sfdisk --lock=no --no-reread -N", func(cmd testutils.FakeCommand) (string, string, error) {
		// sfdisk --lock=no --no-reread -N <number> <disk>
		number, err := strconv.Atoi(cmd.Args[3])
		if err != nil {
			return "", "", err
		}
		d.growPartition(number)
		return "", "", nil
	})

	host.OnOutput("lsblk --nodeps --bytes --json --output NAME,SIZE "+d.device,
		fmt.Sprintf(`{"blockdevices": [{"name": "%s", "size": %d}]}`, filepath.Base(d.device), d.sizeBytes))

	host.On("lsblk "+d.device+" --output", func(testutils.FakeCommand) (string, string, error) {
		return d.lsblkJson(), "", nil
	})

	for i := range d.partitions {
		number := i + 1
		host.On("blkid --probe -s TYPE -o value "+d.partitionPath(number),
			func(testutils.FakeCommand) (string, string, error) {
				d.lock.Lock()
				defer d.lock.Unlock()
				return d.partitions[number-1].fsType + "\n", "", nil
			})
	}
}

func (d *fakeDisk) growPartition(number int) {
	d.lock.Lock()
	defer d.lock.Unlock()

	lastSector := int64(d.sizeBytes / testSectorSize)
	if d.label == diskutils.PartitionTableLabelGpt {
		lastSector -= 33
	}

	partition := &d.partitions[number-1]
	partition.size = lastSector - partition.start
}

func (d *fakeDisk) sfdiskJson() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	type sfdiskPartition struct {
		Node  string `json:"node"`
		Start int64  `json:"start"`
		Size  int64  `json:"size"`
		Type  string `json:"type"`
	}
	type sfdiskTable struct {
		Label      string            `json:"label"`
		Device     string            `json:"device"`
		Unit       string            `json:"unit"`
		SectorSize int               `json:"sectorsize"`
		Partitions []sfdiskPartition `json:"partitions"`
	}

	table := sfdiskTable{
		Label:      d.label,
		Device:     d.device,
		Unit:       "sectors",
		SectorSize: testSectorSize,
	}
	for i, partition := range d.partitions {
		table.Partitions = append(table.Partitions, sfdiskPartition{
			Node:  diskutils.PartitionDevPath(d.device, i+1),
			Start: partition.start,
			Size:  partition.size,
			Type:  partition.partType,
		})
	}

	bytes, _ := json.Marshal(map[string]sfdiskTable{"partitiontable": table})
	return string(bytes)
}

func (d *fakeDisk) lsblkJson() string {
	d.lock.Lock()
	defer d.lock.Unlock()

	devices := []diskutils.PartitionInfo(nil)
	for i, partition := range d.partitions {
		path := diskutils.PartitionDevPath(d.device, i+1)
		devices = append(devices, diskutils.PartitionInfo{
			Name:           filepath.Base(path),
			Path:           path,
			FileSystemType: partition.fsType,
			Type:           "part",
			SizeInBytes:    uint64(partition.size) * testSectorSize,
		})
	}

	bytes, _ := json.Marshal(map[string][]diskutils.PartitionInfo{"blockdevices": devices})
	return string(bytes)
}
