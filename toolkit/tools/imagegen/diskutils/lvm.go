// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package diskutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

type lvmReportOutput struct {
	Report []lvmReport `json:"report"`
}

type lvmReport struct {
	PhysicalVolumes []PhysicalVolume `json:"pv"`
	LogicalVolumes  []LogicalVolume  `json:"lv"`
}

// PhysicalVolume is a row of "pvs --reportformat json".
type PhysicalVolume struct {
	Name        string `json:"pv_name"` // Example: /dev/loop0p3
	VolumeGroup string `json:"vg_name"` // Example: fedora
}

// LogicalVolume is a row of "lvs --reportformat json".
type LogicalVolume struct {
	Name        string `json:"lv_name"` // Example: root
	VolumeGroup string `json:"vg_name"` // Example: fedora
	Path        string `json:"lv_path"` // Example: /dev/fedora/root
}

// GetPhysicalVolumeGroup returns the volume group that the physical volume belongs to.
func GetPhysicalVolumeGroup(ctx context.Context, host hostcap.Host, pvDevPath string) (string, error) {
	stdout, stderr, err := host.Execute(ctx, "pvs", "--reportformat", "json", "--options", "pv_name,vg_name",
		pvDevPath)
	if err != nil {
		return "", fmt.Errorf("failed to read physical volume (%s):\n%v\n%w", pvDevPath, stderr, err)
	}

	report, err := parseLvmReport(stdout)
	if err != nil {
		return "", fmt.Errorf("failed to parse physical volume (%s) report:\n%w", pvDevPath, err)
	}

	for _, pv := range report.PhysicalVolumes {
		if pv.Name == pvDevPath && pv.VolumeGroup != "" {
			return pv.VolumeGroup, nil
		}
	}

	return "", fmt.Errorf("physical volume (%s) does not belong to a volume group", pvDevPath)
}

// ListLogicalVolumes lists the logical volumes of a volume group.
func ListLogicalVolumes(ctx context.Context, host hostcap.Host, volumeGroup string) ([]LogicalVolume, error) {
	stdout, stderr, err := host.Execute(ctx, "lvs", "--reportformat", "json", "--options",
		"lv_name,vg_name,lv_path", volumeGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to list logical volumes of (%s):\n%v\n%w", volumeGroup, stderr, err)
	}

	report, err := parseLvmReport(stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse logical volumes report of (%s):\n%w", volumeGroup, err)
	}

	return report.LogicalVolumes, nil
}

func parseLvmReport(reportJson string) (lvmReport, error) {
	var output lvmReportOutput
	err := json.Unmarshal([]byte(reportJson), &output)
	if err != nil {
		return lvmReport{}, err
	}

	merged := lvmReport{}
	for _, report := range output.Report {
		merged.PhysicalVolumes = append(merged.PhysicalVolumes, report.PhysicalVolumes...)
		merged.LogicalVolumes = append(merged.LogicalVolumes, report.LogicalVolumes...)
	}
	return merged, nil
}

// LogicalVolumeDevPath returns the device node of a logical volume.
func LogicalVolumeDevPath(lv LogicalVolume) string {
	if lv.Path != "" {
		return lv.Path
	}
	return "/dev/" + lv.VolumeGroup + "/" + lv.Name
}

func ActivateVolumeGroup(ctx context.Context, host hostcap.Host, volumeGroup string) error {
	logger.Log.Debugf("Activating volume group (%s)", volumeGroup)

	_, stderr, err := host.Execute(ctx, "vgchange", "-ay", volumeGroup)
	if err != nil {
		return fmt.Errorf("failed to activate volume group (%s):\n%v\n%w", volumeGroup, stderr, err)
	}
	return nil
}

func DeactivateVolumeGroup(ctx context.Context, host hostcap.Host, volumeGroup string) error {
	logger.Log.Debugf("Deactivating volume group (%s)", volumeGroup)

	_, stderr, err := host.Execute(ctx, "vgchange", "-an", volumeGroup)
	if err != nil {
		return fmt.Errorf("failed to deactivate volume group (%s):\n%v\n%w", volumeGroup, stderr, err)
	}
	return nil
}

// ResizePhysicalVolume grows a physical volume to the size of its (already grown) partition.
func ResizePhysicalVolume(ctx context.Context, host hostcap.Host, pvDevPath string) error {
	_, stderr, err := host.Execute(ctx, "pvresize", pvDevPath)
	if err != nil {
		return fmt.Errorf("failed to resize physical volume (%s):\n%v\n%w", pvDevPath, stderr, err)
	}
	return nil
}

// ExtendLogicalVolumeToFill grows a logical volume over all free extents of its volume group.
// Returns false if there were no free extents.
func ExtendLogicalVolumeToFill(ctx context.Context, host hostcap.Host, lvDevPath string) (bool, error) {
	_, stderr, err := host.Execute(ctx, "lvextend", "-l", "+100%FREE", lvDevPath)
	if err != nil {
		// lvextend refuses a zero-extent grow.
		if strings.Contains(stderr, "matches existing size") || strings.Contains(stderr, "No free extents") {
			return false, nil
		}
		return false, fmt.Errorf("failed to extend logical volume (%s):\n%v\n%w", lvDevPath, stderr, err)
	}
	return true, nil
}
