// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"go.opentelemetry.io/otel"
)

var (
	ErrInvalidConfig       = NewArmImageError(ValidationError, "Validation:InvalidConfig", "invalid config")
	ErrGetAbsolutePath     = NewArmImageError(ValidationError, "Validation:GetAbsolutePath", "failed to get absolute path")
	ErrImageNotFound       = NewArmImageError(ValidationError, "Validation:ImageNotFound", "image file not found")
	ErrMediaRequired       = NewArmImageError(ValidationError, "Validation:MediaRequired", "target media must be specified")
	ErrMediaNotFound       = NewArmImageError(ValidationError, "Validation:MediaNotFound", "target device does not exist")
	ErrMediaIsImage        = NewArmImageError(ValidationError, "Validation:MediaIsImage", "target media is the source image")
	ErrMediaNotSupported   = NewArmImageError(ValidationError, "Validation:MediaNotSupported", "unsupported target media")
	ErrMediaSizeRequired   = NewArmImageError(ValidationError, "Validation:MediaSizeRequired", "media size is required to create a disk file")
	ErrUnsafeDevice        = NewArmImageError(ValidationError, "Validation:UnsafeDevice", "refusing to write to device")
	ErrMediaMounted        = NewArmImageError(ValidationError, "Validation:MediaMounted", "target device is mounted")
	ErrMediaInUse          = NewArmImageError(ValidationError, "Validation:MediaInUse", "disk file is attached to a loop device")
	ErrConfirmationNeeded  = NewArmImageError(ValidationError, "Validation:ConfirmationNeeded", "overwriting a block device requires --assumeyes")
	ErrInsufficientSpace   = NewArmImageError(ValidationError, "Validation:InsufficientSpace", "target media is smaller than the image")
	ErrSshKeyRead          = NewArmImageError(ValidationError, "Validation:SshKeyRead", "failed to read SSH public key")
	ErrSshKeyInvalid       = NewArmImageError(ValidationError, "Validation:SshKeyInvalid", "SSH public key must be a single non-empty line")
	ErrFirstBootConfigFile = NewArmImageError(ValidationError, "Validation:FirstBootConfigFile", "first-boot config file not found")
)

// Block device prefixes the installer is willing to overwrite.
var safeDevicePrefixes = []string{
	"/dev/sd",
	"/dev/mmcblk",
	"/dev/nvme",
}

// ValidateOptions checks the options before anything is written. host may be nil (e.g. for a dry run as a normal
// user), in which case the checks that need a host are skipped.
func ValidateOptions(ctx context.Context, host hostcap.Host, options InstallOptions) (*ResolvedOptions, error) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "validate_options")
	defer span.End()

	config := options.Config
	err := config.IsValid()
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	baseConfigPath := options.BaseConfigPath
	if baseConfigPath == "" {
		baseConfigPath, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("%w:\n%w", ErrGetAbsolutePath, err)
		}
	}

	rc := &ResolvedOptions{
		ResizeFilesystem: config.ResizeFilesystem,
		DryRun:           options.DryRun,
		WorkDir:          options.WorkDir,
	}

	if rc.WorkDir == "" {
		rc.WorkDir = os.TempDir()
	}

	rc.Image, rc.ImageSize, err = validateImage(baseConfigPath, config.Image)
	if err != nil {
		return nil, err
	}
	rc.FamilyInferred = config.Image.Family == armimageapi.ImageFamilyDefault

	rc.Media, err = validateMedia(ctx, host, baseConfigPath, config.Media, rc.Image.Path, options.AssumeYes,
		options.DryRun)
	if err != nil {
		return nil, err
	}

	err = validateSpace(rc.Media, rc.ImageSize, options.DryRun)
	if err != nil {
		return nil, err
	}

	if config.Board != "" {
		board, err := ResolveBoard(config.Board)
		if err != nil {
			return nil, err
		}
		rc.Board = &board
	}

	rc.Customization, err = validateCustomization(baseConfigPath, config.Customization)
	if err != nil {
		return nil, err
	}

	return rc, nil
}

func validateImage(baseConfigPath string, image armimageapi.ImageSource) (armimageapi.ImageSource, uint64, error) {
	if image.Path == "" {
		return armimageapi.ImageSource{}, 0, fmt.Errorf("%w: image path must be specified", ErrInvalidConfig)
	}

	image.Path = file.GetAbsPathWithBase(baseConfigPath, image.Path)

	resolved, err := image.Resolve()
	if err != nil {
		return armimageapi.ImageSource{}, 0, fmt.Errorf("%w:\n%w", ErrInvalidConfig, err)
	}

	isFile, err := file.IsFile(resolved.Path)
	if err != nil {
		return armimageapi.ImageSource{}, 0, fmt.Errorf("%w (path='%s'):\n%w", ErrImageNotFound, resolved.Path, err)
	}
	if !isFile {
		return armimageapi.ImageSource{}, 0, fmt.Errorf("%w (path='%s')", ErrImageNotFound, resolved.Path)
	}

	imageSize := uint64(0)
	if resolved.Compression == armimageapi.CompressionTypeNone {
		stat, err := os.Stat(resolved.Path)
		if err != nil {
			return armimageapi.ImageSource{}, 0, fmt.Errorf("%w (path='%s'):\n%w", ErrImageNotFound, resolved.Path,
				err)
		}
		imageSize = uint64(stat.Size())
	}

	return resolved, imageSize, nil
}

func validateMedia(ctx context.Context, host hostcap.Host, baseConfigPath string, media armimageapi.TargetMedia, imagePath string,
	assumeYes bool, dryRun bool,
) (ResolvedMedia, error) {
	if media.Path == "" {
		return ResolvedMedia{}, ErrMediaRequired
	}

	mediaPath := file.GetAbsPathWithBase(baseConfigPath, media.Path)
	if mediaPath == imagePath {
		return ResolvedMedia{}, fmt.Errorf("%w (path='%s')", ErrMediaIsImage, mediaPath)
	}

	resolved := ResolvedMedia{
		Path: mediaPath,
		Size: media.Size,
	}

	stat, err := os.Stat(mediaPath)
	switch {
	case os.IsNotExist(err):
		if strings.HasPrefix(mediaPath, "/dev/") {
			return ResolvedMedia{}, fmt.Errorf("%w (path='%s')", ErrMediaNotFound, mediaPath)
		}

		if media.Size.Bytes() == 0 {
			return ResolvedMedia{}, fmt.Errorf("%w (path='%s')", ErrMediaSizeRequired, mediaPath)
		}

		dirExists, err := file.DirExists(filepath.Dir(mediaPath))
		if err != nil || !dirExists {
			return ResolvedMedia{}, fmt.Errorf("%w (path='%s'): parent directory does not exist", ErrMediaNotSupported,
				mediaPath)
		}

		return resolved, nil

	case err != nil:
		return ResolvedMedia{}, fmt.Errorf("%w (path='%s'):\n%w", ErrMediaNotSupported, mediaPath, err)

	case stat.Mode().IsRegular():
		resolved.Exists = true

		if host != nil {
			devices, err := diskutils.FindLoopbackDevicesForFile(ctx, host, mediaPath)
			if err != nil {
				return ResolvedMedia{}, fmt.Errorf("%w (path='%s'):\n%w", ErrMediaInUse, mediaPath, err)
			}
			if len(devices) > 0 {
				return ResolvedMedia{}, fmt.Errorf("%w (path='%s'): detach (%s) first", ErrMediaInUse, mediaPath,
					strings.Join(devices, ", "))
			}
		}

		return resolved, nil

	case stat.Mode()&os.ModeDevice == 0 || stat.Mode()&os.ModeCharDevice != 0:
		return ResolvedMedia{}, fmt.Errorf("%w (path='%s'): must be a block device or a regular file",
			ErrMediaNotSupported, mediaPath)
	}

	// Block device.
	resolved.IsBlockDevice = true
	resolved.Exists = true

	devicePath, err := filepath.EvalSymlinks(mediaPath)
	if err != nil {
		return ResolvedMedia{}, fmt.Errorf("%w (path='%s'):\n%w", ErrMediaNotSupported, mediaPath, err)
	}

	if !isSafeDevice(devicePath) {
		return ResolvedMedia{}, fmt.Errorf("%w (%s): only %s devices are supported", ErrUnsafeDevice, devicePath,
			strings.Join(safeDevicePrefixes, "*, ")+"*")
	}
	resolved.Path = devicePath

	if host != nil {
		mountPoints, err := host.MountPointsForDevice(devicePath)
		if err != nil {
			return ResolvedMedia{}, fmt.Errorf("%w (%s):\n%w", ErrMediaMounted, devicePath, err)
		}
		if len(mountPoints) > 0 {
			return ResolvedMedia{}, fmt.Errorf("%w (%s): unmount (%s) first", ErrMediaMounted, devicePath,
				strings.Join(mountPoints, ", "))
		}
	}

	if !assumeYes && !dryRun {
		return ResolvedMedia{}, fmt.Errorf("%w (%s): all data on the device will be lost", ErrConfirmationNeeded,
			devicePath)
	}

	return resolved, nil
}

func isSafeDevice(devicePath string) bool {
	for _, prefix := range safeDevicePrefixes {
		if strings.HasPrefix(devicePath, prefix) {
			return true
		}
	}
	return false
}

// validateSpace rejects media that can't hold an uncompressed image. Compressed images are only caught by
// the write running out of space.
func validateSpace(media ResolvedMedia, imageSize uint64, dryRun bool) error {
	if imageSize == 0 {
		return nil
	}

	capacity := uint64(0)
	switch {
	case media.IsBlockDevice:
		size, err := blockDeviceSize(media.Path)
		if err != nil {
			if dryRun {
				logger.Log.Warnf("Cannot read size of (%s), skipping the space check:\n%v", media.Path, err)
				return nil
			}
			return fmt.Errorf("%w (%s):\n%w", ErrMediaNotSupported, media.Path, err)
		}
		capacity = size

	case media.Exists:
		// Disk files grow as needed.
		return nil

	default:
		capacity = media.Size.Bytes()
	}

	if capacity < imageSize {
		return fmt.Errorf("%w (media='%s'): media (%s), image (%s)", ErrInsufficientSpace, media.Path,
			armimageapi.MediaSize(capacity), armimageapi.MediaSize(imageSize))
	}

	return nil
}

func blockDeviceSize(devicePath string) (uint64, error) {
	device, err := os.Open(devicePath)
	if err != nil {
		return 0, err
	}
	defer device.Close()

	end, err := device.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}

	return uint64(end), nil
}

func validateCustomization(baseConfigPath string, customization armimageapi.Customization,
) (armimageapi.Customization, error) {
	hasSshKey := customization.HasSshKey()
	if customization.SshPublicKeyPath != "" {
		keyPath := file.GetAbsPathWithBase(baseConfigPath, customization.SshPublicKeyPath)

		key, err := os.ReadFile(keyPath)
		if err != nil {
			return armimageapi.Customization{}, fmt.Errorf("%w (path='%s'):\n%w", ErrSshKeyRead, keyPath, err)
		}

		customization.SshPublicKey = string(key)
		customization.SshPublicKeyPath = ""
	}

	if hasSshKey {
		key := strings.TrimSpace(customization.SshPublicKey)
		if key == "" || strings.ContainsAny(key, "\n\r") {
			return armimageapi.Customization{}, ErrSshKeyInvalid
		}
		customization.SshPublicKey = key
	}

	if customization.FirstBootConfigFile != "" {
		configPath := file.GetAbsPathWithBase(baseConfigPath, customization.FirstBootConfigFile)

		isFile, err := file.IsFile(configPath)
		if err != nil {
			return armimageapi.Customization{}, fmt.Errorf("%w (path='%s'):\n%w", ErrFirstBootConfigFile,
				configPath, err)
		}
		if !isFile {
			return armimageapi.Customization{}, fmt.Errorf("%w (path='%s')", ErrFirstBootConfigFile, configPath)
		}

		customization.FirstBootConfigFile = configPath
	}

	return customization, nil
}
