// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/osinfo"
)

// detectImageFamily reads the family from the installed OS's os-release VARIANT_ID. fallback is returned when
// os-release is missing or names a variant the installer doesn't know.
func detectImageFamily(rootDir string, fallback armimageapi.ImageFamily) armimageapi.ImageFamily {
	release, err := osinfo.ReadOsRelease(rootDir)
	if err != nil {
		logger.Log.Debugf("Keeping image family (%s):\n%v", fallback, err)
		return fallback
	}

	family := armimageapi.ImageFamily(release.VariantId)
	if family == armimageapi.ImageFamilyDefault || family.IsValid() != nil {
		return fallback
	}

	if family != fallback {
		logger.Log.Infof("Image family is (%s) according to os-release, not (%s)", family, fallback)
	}

	return family
}
