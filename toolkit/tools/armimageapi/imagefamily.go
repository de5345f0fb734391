// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

type ImageFamily string

const (
	ImageFamilyDefault ImageFamily = ""
	ImageFamilyServer  ImageFamily = "server"
	ImageFamilyIot     ImageFamily = "iot"
	ImageFamilyMinimal ImageFamily = "minimal"
)

var supportedImageFamilies = []string{
	string(ImageFamilyServer),
	string(ImageFamilyIot),
	string(ImageFamilyMinimal),
}

func (f ImageFamily) IsValid() error {
	if f != ImageFamilyDefault && !slices.Contains(supportedImageFamilies, string(f)) {
		return fmt.Errorf("invalid image family (%s)", f)
	}

	return nil
}

// SupportedImageFamilies returns all valid non-empty image families.
func SupportedImageFamilies() []string {
	return supportedImageFamilies
}

// InferImageFamily derives the family from an image file name, e.g.
// "Fedora-IoT-raw-42-20250414.0.aarch64.raw.xz" is an IoT image.
func InferImageFamily(imagePath string) ImageFamily {
	name := filepath.Base(imagePath)
	switch {
	case strings.Contains(name, "IoT"):
		return ImageFamilyIot
	case strings.Contains(name, "Minimal"):
		return ImageFamilyMinimal
	default:
		return ImageFamilyServer
	}
}
