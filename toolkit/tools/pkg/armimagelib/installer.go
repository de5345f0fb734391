// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/devicesession"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	OtelTracerName = "armimagelib"

	workDirPattern  = "arm-image-installer-"
	rootMountSubdir = "root"
	bootMountSubdir = "boot"
)

// ToolVersion is inserted during compilation via a linker flag.
var ToolVersion = ""

var (
	ErrLoadConfigFile    = NewArmImageError(ValidationError, "Validation:LoadConfigFile", "failed to load config file")
	ErrBindMedia         = NewArmImageError(MountError, "Mount:BindMedia", "failed to bind media")
	ErrRefreshPartitions = NewArmImageError(ClassificationError, "Classification:RefreshPartitions",
		"kernel did not pick up the written partition table")
	ErrCreateWorkDir  = NewArmImageError(MountError, "Mount:CreateWorkDir", "failed to create mount directory")
	ErrMountRoot      = NewArmImageError(MountError, "Mount:Root", "failed to mount root filesystem")
	ErrMountBoot      = NewArmImageError(MountError, "Mount:Boot", "failed to mount boot partition")
	ErrSessionCleanup = NewArmImageError(MountError, "Mount:Cleanup", "failed to release media")
)

// Installer runs the provisioning pipeline against one host.
type Installer struct {
	host       hostcap.Host
	bootloader BootloaderInstaller
}

// NewInstaller creates an Installer. A nil bootloader installs U-Boot.
func NewInstaller(host hostcap.Host, bootloader BootloaderInstaller) *Installer {
	if bootloader == nil {
		bootloader = NewUbootInstaller(host)
	}

	return &Installer{
		host:       host,
		bootloader: bootloader,
	}
}

// LoadConfigFile reads a YAML config. The returned base path is the config's directory, which relative paths
// in the config are resolved against.
func LoadConfigFile(configFile string) (armimageapi.Config, string, error) {
	var config armimageapi.Config

	err := armimageapi.UnmarshalYamlFile(configFile, &config)
	if err != nil {
		return armimageapi.Config{}, "", fmt.Errorf("%w (path='%s'):\n%w", ErrLoadConfigFile, configFile, err)
	}

	baseConfigPath, err := filepath.Abs(filepath.Dir(configFile))
	if err != nil {
		return armimageapi.Config{}, "", fmt.Errorf("%w:\n%w", ErrGetAbsolutePath, err)
	}

	return config, baseConfigPath, nil
}

// Install writes the image to the media and then prepares the written OS for its first boot.
func (i *Installer) Install(ctx context.Context, options InstallOptions) (err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "install")
	span.SetAttributes(
		attribute.Bool("dry_run", options.DryRun),
	)
	defer func() {
		if err != nil {
			errorNames := ErrorNames(err)
			span.SetAttributes(
				attribute.StringSlice("errors.name", errorNames),
			)
			span.SetStatus(codes.Error, errorNames[len(errorNames)-1])
		}
		span.End()
	}()

	rc, err := ValidateOptions(ctx, i.host, options)
	if err != nil {
		return err
	}

	logInstallSummary(rc)

	if rc.DryRun {
		logger.Log.Infof("Dry run: media (%s) was not modified", rc.Media.Path)
		return nil
	}

	err = i.install(ctx, rc)
	if err != nil {
		return err
	}

	logger.Log.Infof("Success!")
	return nil
}

func (i *Installer) install(ctx context.Context, rc *ResolvedOptions) (err error) {
	workDir, err := os.MkdirTemp(rc.WorkDir, workDirPattern)
	if err != nil {
		return fmt.Errorf("%w (parent='%s'):\n%w", ErrCreateWorkDir, rc.WorkDir, err)
	}
	defer func() {
		// Only removes the directory once everything under it is unmounted.
		removeErr := os.Remove(workDir)
		if removeErr != nil && !os.IsNotExist(removeErr) {
			logger.Log.Warnf("Failed to remove work directory (%s):\n%v", workDir, removeErr)
		}
	}()

	session := devicesession.New(ctx, i.host)
	defer func() {
		cleanupErr := session.CleanClose()
		if cleanupErr != nil {
			if err != nil {
				err = fmt.Errorf("%w:\nfailed to clean-up:\n%v", err, cleanupErr)
			} else {
				err = fmt.Errorf("%w:\n%w", ErrSessionCleanup, cleanupErr)
			}
		}
	}()

	err = i.writeAndBind(ctx, session, rc)
	if err != nil {
		return err
	}

	layout, err := ReadPartitionLayout(ctx, i.host, session.DevicePath())
	if err != nil {
		return err
	}

	rootMountDir := filepath.Join(workDir, rootMountSubdir)
	bootMountDir := filepath.Join(workDir, bootMountSubdir)

	rootVolume, err := DetectRootVolume(ctx, i.host, session, layout, rootMountDir)
	if err != nil {
		return err
	}

	if rc.ResizeFilesystem {
		_, err = ResizeRootFilesystem(ctx, i.host, session, layout, rootVolume, rootMountDir)
		if err != nil {
			return err
		}
	}

	if rc.Customization.IsEmpty() && rc.Board == nil {
		return nil
	}

	err = i.prepareFirstBoot(ctx, session, rc, layout, rootVolume, rootMountDir, bootMountDir)
	if err != nil {
		return err
	}

	return nil
}

// writeAndBind writes the image and leaves the session bound to the media. Block devices are claimed before
// the write so that nobody else can grab them in between. Disk files are attached to a loop device only after
// the write.
func (i *Installer) writeAndBind(ctx context.Context, session *devicesession.Session, rc *ResolvedOptions) error {
	if rc.Media.IsBlockDevice {
		err := session.UseBlockDevice(rc.Media.Path)
		if err != nil {
			return fmt.Errorf("%w (device='%s'):\n%w", ErrBindMedia, rc.Media.Path, err)
		}
	}

	result, err := WriteImage(ctx, rc.Image, rc.Media)
	if err != nil {
		return err
	}

	logger.Log.Infof("Wrote (%s) to (%s)", armimageapi.MediaSize(result.BytesWritten), rc.Media.Path)

	if rc.Media.IsBlockDevice {
		err = diskutils.RefreshPartitions(ctx, i.host, rc.Media.Path)
		if err != nil {
			return fmt.Errorf("%w (device='%s'):\n%w", ErrRefreshPartitions, rc.Media.Path, err)
		}
		return nil
	}

	_, err = session.BindFile(ctx, rc.Media.Path)
	if err != nil {
		return fmt.Errorf("%w (file='%s'):\n%w", ErrBindMedia, rc.Media.Path, err)
	}

	return nil
}

// prepareFirstBoot mounts the written OS read-write, applies the customizations and installs the bootloader.
// Both steps run even if the other fails.
func (i *Installer) prepareFirstBoot(ctx context.Context, session *devicesession.Session, rc *ResolvedOptions,
	layout *PartitionLayout, rootVolume RootVolume, rootMountDir string, bootMountDir string,
) error {
	_, err := session.Mount(rootVolume.BlockDevice(), rootMountDir, rootVolume.FileSystemType(), 0, "")
	if err != nil {
		return fmt.Errorf("%w (device='%s'):\n%w", ErrMountRoot, rootVolume.BlockDevice(), err)
	}

	target := CustomizeTarget{
		RootVolume:   rootVolume,
		RootMountDir: rootMountDir,
		Family:       rc.Image.Family,
		Board:        rc.Board,
	}

	if rc.FamilyInferred {
		target.Family = detectImageFamily(target.DeploymentRoot(), rc.Image.Family)
	}

	boot, hasBoot := layout.Boot()
	if hasBoot {
		_, err = session.Mount(boot.DevicePath, bootMountDir, boot.FileSystemType, 0, "")
		if err != nil {
			return fmt.Errorf("%w (device='%s'):\n%w", ErrMountBoot, boot.DevicePath, err)
		}
		target.BootMountDir = bootMountDir
	}

	errs := []error(nil)

	if !rc.Customization.IsEmpty() {
		err = ApplyCustomizations(ctx, target, rc.Customization)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if rc.Board != nil {
		err = i.bootloader.InstallBootloader(ctx, *rc.Board, session.DevicePath(), target.DeploymentRoot(),
			target.BootMountDir)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func logInstallSummary(rc *ResolvedOptions) {
	boardName := "none"
	if rc.Board != nil {
		boardName = rc.Board.Name
	}

	mediaKind := "disk file"
	if rc.Media.IsBlockDevice {
		mediaKind = "block device"
	}

	logger.Log.Infof("Image: %s (family: %s, compression: %s)", rc.Image.Path, rc.Image.Family,
		rc.Image.Compression)
	logger.Log.Infof("Media: %s (%s)", rc.Media.Path, mediaKind)
	logger.Log.Infof("Board: %s", boardName)
	logger.Log.Infof("Resize root filesystem: %t", rc.ResizeFilesystem)
	logger.Log.Infof("Customizations: %s", strings.Join(requestedCustomizations(rc.Customization), ", "))
}

func requestedCustomizations(customization armimageapi.Customization) []string {
	requested := []string(nil)
	if customization.HasSshKey() {
		requested = append(requested, "ssh-key")
	}
	if customization.ClearRootPassword {
		requested = append(requested, "root-password")
	}
	if customization.Wifi != nil {
		requested = append(requested, "wifi")
	}
	if customization.HasFirstBootConfig() {
		requested = append(requested, "first-boot-config")
	}
	if customization.SelinuxRelabel {
		requested = append(requested, "selinux-relabel")
	}
	if customization.KernelArgs != nil && !customization.KernelArgs.IsEmpty() {
		requested = append(requested, "kernel-args")
	}

	if len(requested) == 0 {
		return []string{"none"}
	}
	return requested
}
