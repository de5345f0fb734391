// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Tool to write a Fedora ARM image to an SD card, USB drive or disk file and prepare it for its first boot.

package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/exekong"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/ptrutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/telemetry"
	"github.com/microsoft/arm-image-installer/toolkit/tools/pkg/armimagelib"
)

type ArmImageInstallerCmd struct {
	ConfigFile string `name:"config-file" help:"Path of a YAML config file. Command line flags override its values."`

	Image     string `name:"image" help:"Path of the raw image to write, optionally compressed with xz, zstd or gzip."`
	Family    string `name:"family" placeholder:"(server|iot|minimal)" help:"Image family. Inferred from the image file name when not set." enum:"${familyvalues}" default:""`
	Media     string `name:"media" help:"Block device (e.g. /dev/mmcblk0) or disk file to write the image to."`
	MediaSize string `name:"media-size" help:"Size of the disk file to create when --media doesn't exist (e.g. 16GB)."`
	Target    string `name:"target" help:"Board to install the bootloader for. Run 'armboards' to list the supported boards."`

	AddKey          string `name:"addkey" help:"Path of an SSH public key to authorize for root."`
	NoRootPass      bool   `name:"norootpass" help:"Remove the root password, allowing passwordless console login."`
	Relabel         bool   `name:"relabel" help:"Relabel the SELinux contexts of the root filesystem on first boot."`
	ResizeFs        bool   `name:"resizefs" help:"Grow the root partition and filesystem to fill the media."`
	WifiSsid        string `name:"wifi-ssid" help:"Wi-Fi network to connect to on first boot."`
	WifiPass        string `name:"wifi-pass" help:"Passphrase of the Wi-Fi network."`
	WifiSecurity    string `name:"wifi-security" placeholder:"(wpa-psk|sae)" help:"Key management of the Wi-Fi network." enum:"${wifisecurityvalues}" default:""`
	FirstBootConfig string `name:"firstboot-config" help:"Path of an Ignition config to run on first boot."`
	IgnUrl          string `name:"ign-url" help:"URL of an Ignition config to fetch on first boot."`
	AddConsole      bool   `name:"addconsole" help:"Add the board's serial console to the kernel arguments."`
	Args            string `name:"args" help:"Extra kernel arguments."`
	ShowBoot        bool   `name:"showboot" help:"Remove 'rhgb quiet' from the kernel arguments."`
	Sysrq           bool   `name:"sysrq" help:"Enable the magic SysRq key."`

	AssumeYes        bool   `name:"assumeyes" short:"y" help:"Overwrite a block device without asking."`
	DryRun           bool   `name:"dry-run" help:"Validate the options and log the plan without modifying the media."`
	WorkDir          string `name:"work-dir" help:"Directory for the temporary mount points. Defaults to the system temp directory."`
	DisableTelemetry bool   `name:"disable-telemetry" help:"Disable telemetry collection of the tool."`
	exekong.LogFlags
	Version kong.VersionFlag `name:"version" help:"Print the version and quit."`
}

func kongOptions() []kong.Option {
	vars := exekong.Vars(kong.Vars{
		"familyvalues":       exekong.EnumValues(armimageapi.SupportedImageFamilies()),
		"wifisecurityvalues": exekong.EnumValues(armimageapi.SupportedWifiSecurities()),
		"version":            armimagelib.ToolVersion,
	})

	return []kong.Option{
		kong.Name("armimageinstaller"),
		kong.Description("Writes a Fedora ARM image to media and prepares it for its first boot."),
		vars,
		kong.HelpOptions{
			Compact:   true,
			FlagsLast: true,
		},
		kong.UsageOnError(),
	}
}

func main() {
	cli := &ArmImageInstallerCmd{}

	kong.Parse(cli, kongOptions()...)

	logger.InitBestEffort(ptrutils.PtrTo(cli.LogFlags.AsLoggerFlags()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := telemetry.InitTelemetry(cli.DisableTelemetry, armimagelib.ToolVersion)
	if err != nil {
		logger.Log.Warnf("Failed to initialize telemetry:\n%v", err)
	}

	err = installImage(ctx, cli)

	shutdownErr := telemetry.ShutdownTelemetry(context.WithoutCancel(ctx))
	if shutdownErr != nil {
		logger.Log.Warnf("Failed to shut down telemetry:\n%v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("image installation failed:\n%v", err)
	}
}

func installImage(ctx context.Context, cli *ArmImageInstallerCmd) error {
	options, err := cli.installOptions()
	if err != nil {
		return err
	}

	var host hostcap.Host
	systemHost, err := hostcap.NewSystemHost()
	switch {
	case err == nil:
		host = systemHost

	case cli.DryRun && errors.Is(err, hostcap.ErrToolMustRunAsRoot):
		// Without root the dry run skips the checks that need the host.
		logger.Log.Warnf("Not running as root, the dry run skips the mounted media check")

	default:
		return err
	}

	installer := armimagelib.NewInstaller(host, nil)
	return installer.Install(ctx, options)
}
