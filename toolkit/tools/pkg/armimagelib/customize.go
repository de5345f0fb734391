// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrCustomizeSshKey          = NewArmImageError(CustomizationError, "Customize:SshKey", "ssh-key customization failed")
	ErrCustomizeRootPassword    = NewArmImageError(CustomizationError, "Customize:RootPassword", "root-password customization failed")
	ErrCustomizeWifi            = NewArmImageError(CustomizationError, "Customize:Wifi", "wifi customization failed")
	ErrCustomizeFirstBootConfig = NewArmImageError(CustomizationError, "Customize:FirstBootConfig", "first-boot-config customization failed")
	ErrCustomizeSelinuxRelabel  = NewArmImageError(CustomizationError, "Customize:SelinuxRelabel", "selinux-relabel customization failed")
	ErrCustomizeKernelArgs      = NewArmImageError(CustomizationError, "Customize:KernelArgs", "kernel-args customization failed")
)

// CustomizeTarget is the mounted OS that customizations are applied to.
type CustomizeTarget struct {
	RootVolume RootVolume
	// Where the root filesystem is mounted.
	RootMountDir string
	// Where the boot partition is mounted. Empty when the image has no separate boot partition.
	BootMountDir string
	Family       armimageapi.ImageFamily
	Board        *Board
}

// DeploymentRoot is "/" of the installed OS.
func (t *CustomizeTarget) DeploymentRoot() string {
	return DeploymentRoot(t.RootVolume, t.RootMountDir)
}

// BootDir is "/boot" of the installed OS.
func (t *CustomizeTarget) BootDir() string {
	if t.BootMountDir != "" {
		return t.BootMountDir
	}
	return filepath.Join(t.DeploymentRoot(), "boot")
}

type customizationStep struct {
	// Field name used in errors and spans.
	field   string
	err     *ArmImageError
	enabled bool
	apply   func() error
}

// ApplyCustomizations applies every requested customization, in a fixed order. A failed customization doesn't
// stop the others. Nothing is rolled back; the failures are returned joined.
func ApplyCustomizations(ctx context.Context, target CustomizeTarget, customization armimageapi.Customization,
) error {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "apply_customizations")
	defer span.End()

	steps := []customizationStep{
		{
			field:   "ssh-key",
			err:     ErrCustomizeSshKey,
			enabled: customization.HasSshKey(),
			apply: func() error {
				return customizeSshKey(target, customization.SshPublicKey)
			},
		},
		{
			field:   "root-password",
			err:     ErrCustomizeRootPassword,
			enabled: customization.ClearRootPassword,
			apply: func() error {
				return customizeClearRootPassword(target)
			},
		},
		{
			field:   "wifi",
			err:     ErrCustomizeWifi,
			enabled: customization.Wifi != nil,
			apply: func() error {
				return customizeWifi(target, customization.Wifi)
			},
		},
		{
			field:   "first-boot-config",
			err:     ErrCustomizeFirstBootConfig,
			enabled: customization.HasFirstBootConfig(),
			apply: func() error {
				return customizeFirstBootConfig(target, customization.FirstBootConfigFile, customization.IgnitionUrl)
			},
		},
		{
			field:   "selinux-relabel",
			err:     ErrCustomizeSelinuxRelabel,
			enabled: customization.SelinuxRelabel,
			apply: func() error {
				return customizeSelinuxRelabel(target)
			},
		},
		{
			field:   "kernel-args",
			err:     ErrCustomizeKernelArgs,
			enabled: customization.KernelArgs != nil && !customization.KernelArgs.IsEmpty(),
			apply: func() error {
				return customizeKernelArgs(target, customization.KernelArgs)
			},
		},
	}

	errs := []error(nil)
	for _, step := range steps {
		if !step.enabled {
			continue
		}

		err := runCustomizationStep(ctx, step)
		if err != nil {
			logger.Log.Errorf("Customization (%s) failed:\n%v", step.field, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func runCustomizationStep(ctx context.Context, step customizationStep) error {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "customize_"+step.field)
	span.SetAttributes(
		attribute.String("field", step.field),
	)
	defer span.End()

	logger.Log.Infof("Applying customization (%s)", step.field)

	err := step.apply()
	if err != nil {
		return fmt.Errorf("%w:\n%w", step.err, err)
	}

	return nil
}
