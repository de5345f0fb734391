// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"fmt"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/userutils"
)

const sshKeyComment = "Added by arm-image-installer"

func customizeSshKey(target CustomizeTarget, publicKey string) error {
	homeDir, err := RootHomeDir(target.RootVolume, target.RootMountDir, target.Family)
	if err != nil {
		return fmt.Errorf("failed to find root's home directory:\n%w", err)
	}

	added, err := userutils.AddAuthorizedKey(homeDir, publicKey, sshKeyComment)
	if err != nil {
		return err
	}

	if !added {
		logger.Log.Infof("SSH key is already authorized in (%s)", userutils.AuthorizedKeysPath(homeDir))
	}

	return nil
}

func customizeClearRootPassword(target CustomizeTarget) error {
	return userutils.ClearRootPassword(target.DeploymentRoot())
}
