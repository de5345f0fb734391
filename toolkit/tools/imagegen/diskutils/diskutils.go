// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Utility to inspect and manipulate disks and partitions

package diskutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/retry"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/sliceutils"
)

type blockDevicesOutput struct {
	Devices []blockDeviceInfo `json:"blockdevices"`
}

type blockDeviceInfo struct {
	Name string      `json:"name"` // Example: sda
	Size json.Number `json:"size"` // Number of bytes. Can be a quoted string or a JSON number, depending on the util-linux version
}

type partitionInfoOutput struct {
	Devices []PartitionInfo `json:"blockdevices"`
}

// PartitionInfo is the kernel's view of a partition, as reported by lsblk.
type PartitionInfo struct {
	Name              string `json:"name"`       // Example: mmcblk0p1
	Path              string `json:"path"`       // Example: /dev/mmcblk0p1
	PartitionTypeUuid string `json:"parttype"`   // Example: c12a7328-f81f-11d2-ba4b-00a0c93ec93b
	FileSystemType    string `json:"fstype"`     // Example: vfat
	Uuid              string `json:"uuid"`       // Example: 4BD9-3A78
	PartUuid          string `json:"partuuid"`   // Example: 7b1367a6-5845-43f2-99b1-a742d873f590
	Mountpoint        string `json:"mountpoint"` // Example: /mnt/boot
	PartLabel         string `json:"partlabel"`  // Example: boot
	Type              string `json:"type"`       // Example: part
	SizeInBytes       uint64 `json:"size"`       // Example: 4096
}

type loopbackListOutput struct {
	Devices []loopbackDevice `json:"loopdevices"`
}

type loopbackDevice struct {
	Name        string `json:"name"`
	BackingFile string `json:"back-file"`
}

type PartitionTablePartition struct {
	// Populated from "sfdisk --json":
	Path         string `json:"node"`  // Example: /dev/loop1p1
	Start        int64  `json:"start"` // Example: 2048
	Size         int64  `json:"size"`  // Example: 16384
	PartTypeUuid string `json:"type"`  // Example: C12A7328-F81F-11D2-BA4B-00A0C93EC93B or "83" on MBR
	PartUuid     string `json:"uuid"`  // Example: 2789D1BC-3909-4B06-AD2D-DA531DABF7C8
	PartLabel    string `json:"name"`  // Example: rootfs

	// Populated from "blkid --probe":
	FileSystemType string // Example: vfat
	FileSystemUuid string // Example: 4BD9-3A78
}

type PartitionTable struct {
	Label      string                    `json:"label"`      // Example: gpt
	Id         string                    `json:"id"`         // Example: 1DFD88CF-6214-4574-97A2-C605D411CFBE
	Device     string                    `json:"device"`     // Example: /dev/loop1
	Unit       string                    `json:"unit"`       // Example: sectors
	FirstLba   int64                     `json:"firstlba"`   // Example: 2048
	LastLba    int64                     `json:"lastlba"`    // Example: 8388574
	SectorSize int                       `json:"sectorsize"` // Example: 512
	Partitions []PartitionTablePartition `json:"partitions"`
}

type partitionTableOutput struct {
	PartitionTable *PartitionTable `json:"partitiontable"`
}

const (
	PartitionTableLabelGpt = "gpt"
	PartitionTableLabelMbr = "dos"

	// Filesystem/volume signatures reported by blkid.
	FileSystemTypeLvmMember = "LVM2_member"
	FileSystemTypeSwap      = "swap"
	FileSystemTypeVfat      = "vfat"

	defaultSectorSize = 512
)

// Unit to byte conversion values
const (
	KiB = 1024
	MiB = 1024 * 1024
	GiB = 1024 * 1024 * 1024
)

// CreateSparseDisk creates an empty sparse disk file of sizeInBytes.
func CreateSparseDisk(diskPath string, sizeInBytes uint64, perm os.FileMode) (err error) {
	file, err := os.OpenFile(diskPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("failed to create empty disk file:\n%w", err)
	}
	defer file.Close()

	err = file.Truncate(int64(sizeInBytes))
	if err != nil {
		return fmt.Errorf("failed to set empty disk file's size:\n%w", err)
	}

	return file.Close()
}

// SetupLoopbackDevice creates a /dev/loop device for the given disk file
func SetupLoopbackDevice(ctx context.Context, host hostcap.Host, diskFilePath string) (devicePath string, err error) {
	logger.Log.Debugf("Attaching Loopback: %v", diskFilePath)
	stdout, stderr, err := host.Execute(ctx, "losetup", "--show", "-f", "-P", diskFilePath)
	if err != nil {
		err = fmt.Errorf("failed to create loopback device using losetup:\n%v\n%w", stderr, err)
		return
	}
	devicePath = strings.TrimSpace(stdout)
	logger.Log.Debugf("Created loopback device at device path: %v", devicePath)
	return
}

// DetachLoopbackDevice detaches the specified disk
func DetachLoopbackDevice(ctx context.Context, host hostcap.Host, diskDevPath string) (err error) {
	logger.Log.Debugf("Detaching Loopback Device Path: %v", diskDevPath)
	_, stderr, err := host.Execute(ctx, "losetup", "-d", diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to detach loopback device (%s) using losetup:\n%v\n%w", diskDevPath, stderr, err)
	}
	return nil
}

// FindLoopbackDevicesForFile returns the loop devices currently backed by diskPath.
func FindLoopbackDevicesForFile(ctx context.Context, host hostcap.Host, diskPath string) ([]string, error) {
	devices, err := listLoopbackDevices(ctx, host)
	if err != nil {
		return nil, err
	}

	matches := []string(nil)
	for _, device := range devices {
		if device.BackingFile == diskPath {
			matches = append(matches, device.Name)
		}
	}
	return matches, nil
}

func WaitForLoopbackToDetach(ctx context.Context, host hostcap.Host, devicePath string, diskPath string) error {
	if !filepath.IsAbs(diskPath) {
		return fmt.Errorf("internal error: loopback disk path must be absolute (%s)", diskPath)
	}

	delay := 120 * time.Millisecond
	attempts := 10
	for failures := 0; failures < attempts; failures++ {
		devices, err := listLoopbackDevices(ctx, host)
		if err != nil {
			return err
		}

		_, found := sliceutils.FindValueFunc(devices, func(device loopbackDevice) bool {
			return device.Name == devicePath && device.BackingFile == diskPath
		})
		if !found {
			return nil
		}

		time.Sleep(delay)
		delay *= 2
	}

	return fmt.Errorf("timed out waiting for loopback device (%s) for disk (%s) to close", devicePath, diskPath)
}

func listLoopbackDevices(ctx context.Context, host hostcap.Host) ([]loopbackDevice, error) {
	stdout, _, err := host.Execute(ctx, "losetup", "--list", "--json", "--output", "NAME,BACK-FILE")
	if err != nil {
		return nil, fmt.Errorf("failed to read loopback list:\n%w", err)
	}

	var output loopbackListOutput
	if strings.TrimSpace(stdout) != "" {
		err = json.Unmarshal([]byte(stdout), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse loopback devices list JSON:\n%w", err)
		}
	}

	return output.Devices, nil
}

// GetDiskSize returns the size of a whole disk (or loop device) in bytes.
func GetDiskSize(ctx context.Context, host hostcap.Host, diskDevPath string) (uint64, error) {
	stdout, stderr, err := host.Execute(ctx, "lsblk", "--nodeps", "--bytes", "--json", "--output", "NAME,SIZE",
		diskDevPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read size of disk (%s):\n%v\n%w", diskDevPath, stderr, err)
	}

	return parseDiskSize(diskDevPath, stdout)
}

func parseDiskSize(diskDevPath string, lsblkJson string) (uint64, error) {
	var blockDevices blockDevicesOutput
	err := json.Unmarshal([]byte(lsblkJson), &blockDevices)
	if err != nil {
		return 0, fmt.Errorf("failed to parse disk (%s) size JSON:\n%w", diskDevPath, err)
	}

	if len(blockDevices.Devices) != 1 {
		return 0, fmt.Errorf("couldn't find size of disk (%s), expecting only one result (%s)", diskDevPath,
			lsblkJson)
	}

	size, err := strconv.ParseUint(blockDevices.Devices[0].Size.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse disk (%s) size (%s):\n%w", diskDevPath, blockDevices.Devices[0].Size, err)
	}

	return size, nil
}

// GetDiskPartitions gets the kernel's view of a disk's partitions.
func GetDiskPartitions(ctx context.Context, host hostcap.Host, diskDevPath string) ([]PartitionInfo, error) {
	jsonString, _, err := host.Execute(ctx, "lsblk", diskDevPath, "--output",
		"NAME,PATH,PARTTYPE,FSTYPE,UUID,MOUNTPOINT,PARTUUID,PARTLABEL,TYPE,SIZE", "--bytes", "--json", "--list")
	if err != nil {
		return nil, fmt.Errorf("failed to list disk (%s) partitions:\n%w", diskDevPath, err)
	}

	var output partitionInfoOutput
	if strings.TrimSpace(jsonString) != "" {
		err = json.Unmarshal([]byte(jsonString), &output)
		if err != nil {
			return nil, fmt.Errorf("failed to parse disk (%s) partitions JSON:\n%w", diskDevPath, err)
		}
	}

	return output.Devices, nil
}

// ReadDiskPartitionTable reads the partition table directly from the disk.
// Returns nil if the disk has no partition table.
func ReadDiskPartitionTable(ctx context.Context, host hostcap.Host, diskDevPath string) (*PartitionTable, error) {
	stdout, stderr, err := host.Execute(ctx, "flock", "--timeout", "5", "--shared", diskDevPath,
		"sfdisk", "--lock=no", "--dump", "--json", diskDevPath)
	if err != nil {
		if strings.Contains(stderr, "does not contain a recognized partition table") {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read partition table (%s):\n%s\n%w", diskDevPath, stderr, err)
	}

	partitionTable, err := parsePartitionTable(diskDevPath, stdout)
	if err != nil || partitionTable == nil {
		return nil, err
	}

	for i := range partitionTable.Partitions {
		partition := &partitionTable.Partitions[i]

		partition.FileSystemType, err = readPartitionTag(ctx, host, diskDevPath, partition.Path, "TYPE")
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem type of partition (%s):\n%w", partition.Path, err)
		}

		partition.FileSystemUuid, err = readPartitionTag(ctx, host, diskDevPath, partition.Path, "UUID")
		if err != nil {
			return nil, fmt.Errorf("failed to get filesystem UUID of partition (%s):\n%w", partition.Path, err)
		}
	}

	return partitionTable, nil
}

func parsePartitionTable(diskDevPath string, sfdiskJson string) (*PartitionTable, error) {
	if strings.TrimSpace(sfdiskJson) == "" {
		return nil, nil
	}

	var output partitionTableOutput
	err := json.Unmarshal([]byte(sfdiskJson), &output)
	if err != nil {
		return nil, fmt.Errorf("failed to parse disk (%s) partition table JSON:\n%w", diskDevPath, err)
	}

	if output.PartitionTable == nil {
		return nil, nil
	}

	partitionTable := output.PartitionTable

	if partitionTable.Unit != "sectors" {
		return nil, fmt.Errorf("sfdisk returned unexpected unit size '%s': expecting 'sectors'", partitionTable.Unit)
	}

	if partitionTable.SectorSize == 0 {
		// Older sfdisk versions omit the sector size.
		partitionTable.SectorSize = defaultSectorSize
	}

	return partitionTable, nil
}

// readPartitionTag reads a blkid tag directly from disk. blkid exits with status 2 when the tag is
// absent (e.g. an unformatted partition), which is reported as an empty value.
func readPartitionTag(ctx context.Context, host hostcap.Host, diskDevPath string, partDevPath string, tag string,
) (string, error) {
	stdout, stderr, err := host.Execute(ctx, "flock", "--timeout", "5", "--shared", diskDevPath,
		"blkid", "--probe", "-s", tag, "-o", "value", partDevPath)
	if err != nil {
		if strings.TrimSpace(stdout) == "" && strings.TrimSpace(stderr) == "" {
			return "", nil
		}
		return "", err
	}

	return strings.TrimSpace(stdout), nil
}

// ReadDeviceTag reads a blkid tag (e.g. TYPE) from a device that is not a partition of a locked disk,
// such as an LVM logical volume.
func ReadDeviceTag(ctx context.Context, host hostcap.Host, devicePath string, tag string) (string, error) {
	stdout, stderr, err := host.Execute(ctx, "blkid", "--probe", "-s", tag, "-o", "value", devicePath)
	if err != nil {
		if strings.TrimSpace(stdout) == "" && strings.TrimSpace(stderr) == "" {
			return "", nil
		}
		return "", fmt.Errorf("failed to read tag of device (%s):\n%w", devicePath, err)
	}

	return strings.TrimSpace(stdout), nil
}

// PartitionDevPath returns the device node of a partition of the disk.
//
// There are two partition naming conventions:
// - /dev/sdN<y>
// - /dev/loopNp<x>, /dev/mmcblkNp<x>, /dev/nvmeNnMp<x>
func PartitionDevPath(diskDevPath string, partitionNumber int) string {
	if isDigit(diskDevPath[len(diskDevPath)-1]) {
		return fmt.Sprintf("%sp%d", diskDevPath, partitionNumber)
	}
	return fmt.Sprintf("%s%d", diskDevPath, partitionNumber)
}

// GetPartitionNum returns the partition number encoded in a partition device path.
func GetPartitionNum(partDevPath string) (int, error) {
	end := len(partDevPath)
	start := end
	for start > 0 && isDigit(partDevPath[start-1]) {
		start--
	}

	if start == end {
		return 0, fmt.Errorf("device path (%s) has no partition number", partDevPath)
	}

	return strconv.Atoi(partDevPath[start:end])
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// RefreshPartitions asks the kernel to reread the partition table and waits for the device
// nodes to match it.
func RefreshPartitions(ctx context.Context, host hostcap.Host, diskDevPath string) error {
	err := host.RereadPartitionTable(diskDevPath)
	if err != nil {
		// BLKRRPART is refused while any partition is in use. partx updates the partitions one at a
		// time instead.
		logger.Log.Debugf("Partition table reread of (%s) failed, falling back to partx: %v", diskDevPath, err)

		partxErr := updatePartitions(ctx, host, diskDevPath)
		if partxErr != nil {
			return fmt.Errorf("failed to request partition table reread (%s):\n%w\n%w", diskDevPath, err, partxErr)
		}
	}

	return WaitForDiskDevice(ctx, host, diskDevPath)
}

// RefreshHeldPartitions is RefreshPartitions for a disk with a partition held open (e.g. by an active volume
// group). BLKRRPART would only ever return EBUSY there, so partx is used directly.
func RefreshHeldPartitions(ctx context.Context, host hostcap.Host, diskDevPath string) error {
	err := updatePartitions(ctx, host, diskDevPath)
	if err != nil {
		return fmt.Errorf("failed to request partition table reread (%s):\n%w", diskDevPath, err)
	}

	return WaitForDiskDevice(ctx, host, diskDevPath)
}

func updatePartitions(ctx context.Context, host hostcap.Host, diskDevPath string) error {
	_, stderr, err := host.Execute(ctx, "partx", "--update", diskDevPath)
	if err != nil {
		return fmt.Errorf("partx failed:\n%v\n%w", stderr, err)
	}

	return nil
}

func WaitForDiskDevice(ctx context.Context, host hostcap.Host, diskDevPath string) error {
	err := waitForDevicesToSettle(ctx, host)
	if err != nil {
		return err
	}

	// 'udevadm settle' is sometimes not enough.
	// So, double check that the partitions have been populated.
	err = waitForDiskToPopulate(ctx, host, diskDevPath)
	if err != nil {
		return err
	}

	return nil
}

func waitForDiskToPopulate(ctx context.Context, host hostcap.Host, diskDevPath string) error {
	partitionTable, err := ReadDiskPartitionTable(ctx, host, diskDevPath)
	if err != nil {
		return err
	}

	if partitionTable == nil {
		// Disk is empty.
		return nil
	}

	_, err = retry.RunWithExpBackoff(ctx, func() error {
		kernelPartitions, err := GetDiskPartitions(ctx, host, diskDevPath)
		if err != nil {
			return err
		}

		return checkKernelPartitions(partitionTable, kernelPartitions)
	}, 10, 120*time.Millisecond, 2.0)
	if err != nil {
		return fmt.Errorf("timed out waiting for disk (%s) info to be populated:\n%w", diskDevPath, err)
	}

	return nil
}

// checkKernelPartitions verifies that the kernel's view of the partitions matches the on-disk table.
func checkKernelPartitions(partitionTable *PartitionTable, kernelPartitions []PartitionInfo) error {
	errs := []error(nil)
	for _, partition := range partitionTable.Partitions {
		info, found := sliceutils.FindValueFunc(kernelPartitions, func(info PartitionInfo) bool {
			return info.Path == partition.Path
		})
		if !found {
			errs = append(errs, fmt.Errorf("failed to find partition device node (%s)", partition.Path))
			continue
		}

		expectedSize := uint64(partition.Size) * uint64(partitionTable.SectorSize)
		if info.SizeInBytes != 0 && info.SizeInBytes != expectedSize {
			errs = append(errs, fmt.Errorf("partition's (%s) size is stale: expected (%d), actual (%d)",
				partition.Path, expectedSize, info.SizeInBytes))
		}

		if partition.FileSystemType != info.FileSystemType {
			errs = append(errs, fmt.Errorf("partition's (%s) filesystem type is wrong: expected (%s), actual (%s)",
				partition.Path, partition.FileSystemType, info.FileSystemType))
		}
	}

	return errors.Join(errs...)
}

// waitForDevicesToSettle waits for all udev events to be processed on the system.
func waitForDevicesToSettle(ctx context.Context, host hostcap.Host) error {
	logger.Log.Debugf("Waiting for devices to settle")
	_, _, err := host.Execute(ctx, "udevadm", "settle")
	if err != nil {
		return fmt.Errorf("failed to wait for devices to settle:\n%w", err)
	}
	return nil
}
