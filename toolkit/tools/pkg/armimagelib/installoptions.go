// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
)

// InstallOptions are the inputs of one installer run.
type InstallOptions struct {
	Config armimageapi.Config

	// Directory that relative paths in Config are resolved against. Defaults to the working directory.
	BaseConfigPath string

	// Required to overwrite a block device.
	AssumeYes bool

	// Validate and log the plan without touching the media.
	DryRun bool

	// Parent directory of the temporary mount points. Defaults to the system temp directory.
	WorkDir string
}

// ResolvedMedia is a validated TargetMedia.
type ResolvedMedia struct {
	Path          string
	Size          armimageapi.MediaSize
	IsBlockDevice bool
	// True when the media is a disk file that already existed before the run.
	Exists bool
}

// ResolvedOptions are validated InstallOptions with every default and file reference resolved.
type ResolvedOptions struct {
	Image armimageapi.ImageSource
	// Size of the uncompressed image. 0 for compressed images.
	ImageSize uint64
	// The family was guessed from the image file name.
	FamilyInferred bool

	Media            ResolvedMedia
	Board            *Board
	ResizeFilesystem bool

	// SshPublicKey holds the key text (SshPublicKeyPath is cleared) and FirstBootConfigFile is absolute.
	Customization armimageapi.Customization

	DryRun  bool
	WorkDir string
}
