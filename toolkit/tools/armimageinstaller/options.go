// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/pkg/armimagelib"
)

// installOptions loads the config file, if any, and applies the command line flags on top of it.
// Paths given on the command line are relative to the working directory, while paths in the config file are
// relative to the config file's directory.
func (cli *ArmImageInstallerCmd) installOptions() (armimagelib.InstallOptions, error) {
	var config armimageapi.Config
	baseConfigPath := ""

	if cli.ConfigFile != "" {
		var err error
		config, baseConfigPath, err = armimagelib.LoadConfigFile(cli.ConfigFile)
		if err != nil {
			return armimagelib.InstallOptions{}, err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return armimagelib.InstallOptions{}, fmt.Errorf("%w:\n%w", armimagelib.ErrGetAbsolutePath, err)
	}

	if baseConfigPath == "" {
		baseConfigPath = cwd
	}

	err = cli.applyFlags(&config, cwd)
	if err != nil {
		return armimagelib.InstallOptions{}, err
	}

	return armimagelib.InstallOptions{
		Config:         config,
		BaseConfigPath: baseConfigPath,
		AssumeYes:      cli.AssumeYes,
		DryRun:         cli.DryRun,
		WorkDir:        cli.WorkDir,
	}, nil
}

func (cli *ArmImageInstallerCmd) applyFlags(config *armimageapi.Config, cwd string) error {
	absPath := func(path string) string {
		return file.GetAbsPathWithBase(cwd, path)
	}

	if cli.Image != "" {
		config.Image.Path = absPath(cli.Image)
	}
	if cli.Family != "" {
		config.Image.Family = armimageapi.ImageFamily(cli.Family)
	}
	if cli.Media != "" {
		config.Media.Path = absPath(cli.Media)
	}
	if cli.MediaSize != "" {
		err := config.Media.Size.Set(cli.MediaSize)
		if err != nil {
			return fmt.Errorf("%w:\n%w", armimagelib.ErrInvalidConfig, err)
		}
	}
	if cli.Target != "" {
		config.Board = armimageapi.Board(cli.Target)
	}
	if cli.ResizeFs {
		config.ResizeFilesystem = true
	}

	customization := &config.Customization
	if cli.AddKey != "" {
		customization.SshPublicKeyPath = absPath(cli.AddKey)
		customization.SshPublicKey = ""
	}
	if cli.NoRootPass {
		customization.ClearRootPassword = true
	}
	if cli.Relabel {
		customization.SelinuxRelabel = true
	}

	if cli.WifiSsid != "" {
		customization.Wifi = &armimageapi.Wifi{
			Ssid:       cli.WifiSsid,
			Passphrase: cli.WifiPass,
			Security:   armimageapi.WifiSecurity(cli.WifiSecurity),
		}
	} else if cli.WifiPass != "" || cli.WifiSecurity != "" {
		if customization.Wifi == nil {
			return fmt.Errorf("%w: --wifi-pass and --wifi-security require --wifi-ssid", armimagelib.ErrInvalidConfig)
		}
		if cli.WifiPass != "" {
			customization.Wifi.Passphrase = cli.WifiPass
		}
		if cli.WifiSecurity != "" {
			customization.Wifi.Security = armimageapi.WifiSecurity(cli.WifiSecurity)
		}
	}

	if cli.FirstBootConfig != "" {
		customization.FirstBootConfigFile = absPath(cli.FirstBootConfig)
	}
	if cli.IgnUrl != "" {
		customization.IgnitionUrl = cli.IgnUrl
	}

	if cli.AddConsole || cli.ShowBoot || cli.Sysrq || cli.Args != "" {
		if customization.KernelArgs == nil {
			customization.KernelArgs = &armimageapi.KernelArgs{}
		}

		kernelArgs := customization.KernelArgs
		kernelArgs.AddConsole = kernelArgs.AddConsole || cli.AddConsole
		kernelArgs.ShowBoot = kernelArgs.ShowBoot || cli.ShowBoot
		kernelArgs.Sysrq = kernelArgs.Sysrq || cli.Sysrq
		if cli.Args != "" {
			kernelArgs.Extra = cli.Args
		}
	}

	return nil
}
