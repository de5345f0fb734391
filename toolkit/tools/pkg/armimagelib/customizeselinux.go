// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	autoRelabelFile = ".autorelabel"
	autoRelabelPerm = 0o644
)

// customizeSelinuxRelabel makes the OS relabel its filesystems on first boot.
func customizeSelinuxRelabel(target CustomizeTarget) error {
	autoRelabelPath := filepath.Join(target.DeploymentRoot(), autoRelabelFile)

	handle, err := os.OpenFile(autoRelabelPath, os.O_CREATE|os.O_WRONLY, autoRelabelPerm)
	if err != nil {
		return fmt.Errorf("failed to create (%s):\n%w", autoRelabelPath, err)
	}

	return handle.Close()
}
