// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

const (
	ignitionConfigDir      = "ignition"
	ignitionConfigFileName = "config.ign"
	ignitionMarkerFileName = "ignition.firstboot"
	ignitionBootConfigUrl  = "file:///boot/ignition/config.ign"

	ignitionConfigDirPerm  = 0o700
	ignitionConfigFilePerm = 0o600
	ignitionMarkerFilePerm = 0o644
)

// customizeFirstBootConfig embeds an Ignition config in the boot partition and writes the marker that makes
// GRUB pass "ignition.firstboot" to the first boot.
func customizeFirstBootConfig(target CustomizeTarget, configFile string, ignitionUrl string) error {
	bootDir := target.BootDir()

	configUrl := ignitionUrl
	if configFile != "" {
		if ignitionUrl != "" {
			logger.Log.Warnf("Both an Ignition config file and URL were given, using the file (%s)", configFile)
		}

		configPath := filepath.Join(bootDir, ignitionConfigDir, ignitionConfigFileName)

		err := file.NewFileCopyBuilder(configFile, configPath).
			SetDirFileMode(ignitionConfigDirPerm).
			SetFileMode(ignitionConfigFilePerm).
			SetSync().
			SetVerify().
			Run()
		if err != nil {
			return fmt.Errorf("failed to copy Ignition config (%s) to (%s):\n%w", configFile, configPath, err)
		}

		configUrl = ignitionBootConfigUrl
	}

	markerPath := filepath.Join(bootDir, ignitionMarkerFileName)

	err := os.MkdirAll(bootDir, os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create boot directory (%s):\n%w", bootDir, err)
	}

	existing, err := os.ReadFile(markerPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read Ignition marker (%s):\n%w", markerPath, err)
	}

	err = file.WriteWithPerm(mergeIgnitionMarker(string(existing), configUrl), markerPath, ignitionMarkerFilePerm)
	if err != nil {
		return fmt.Errorf("failed to write Ignition marker (%s):\n%w", markerPath, err)
	}

	logger.Log.Infof("Ignition will fetch its config from (%s) on first boot", configUrl)
	return nil
}

const ignitionKcmdlineAssignment = "set ignition_extra_kcmdline="

func ignitionMarker(configUrl string) string {
	return fmt.Sprintf("%s\"ignition.firstboot=1 ignition.config.url=%s\"\n", ignitionKcmdlineAssignment, configUrl)
}

// mergeIgnitionMarker replaces the ignition_extra_kcmdline assignment in an existing marker and keeps every
// other line. The assignment is appended when the marker has none.
func mergeIgnitionMarker(existing string, configUrl string) string {
	line := strings.TrimSuffix(ignitionMarker(configUrl), "\n")
	if existing == "" {
		return line + "\n"
	}

	lines := strings.Split(strings.TrimSuffix(existing, "\n"), "\n")
	merged := make([]string, 0, len(lines)+1)
	replaced := false
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), ignitionKcmdlineAssignment) {
			if !replaced {
				merged = append(merged, line)
				replaced = true
			}
			continue
		}
		merged = append(merged, l)
	}

	if !replaced {
		merged = append(merged, line)
	}

	return strings.Join(merged, "\n") + "\n"
}
