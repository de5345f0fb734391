// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

const (
	testSshKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIGq3k1OQ9gFfK1cXbVmF8Y3yQ5Tq5H1mRz0tZk9wS2xP user@laptop"
	testShadow = "root:$6$abc$hash:19000:0:99999:7:::\nfedora:$6$def$hash2:19000:0:99999:7:::\n"
	testEntry  = "title Fedora Linux (6.14.2-300.fc42.aarch64) 42 (Forty Two)\n" +
		"version 6.14.2-300.fc42.aarch64\n" +
		"linux /vmlinuz-6.14.2-300.fc42.aarch64\n" +
		"options root=UUID=6f9e1b1c-4d2a-4b9e-9c3f-2a7f1c8e5d10 ro rootflags=subvol=root rhgb quiet\n"
	testWifiSsid = "TestNetwork"
)

// newTestCustomizeTarget lays out a mounted plain-partition OS and its boot partition under a temp directory.
func newTestCustomizeTarget(t *testing.T, family armimageapi.ImageFamily) CustomizeTarget {
	tmpDir := t.TempDir()
	rootDir := filepath.Join(tmpDir, "root")
	bootDir := filepath.Join(tmpDir, "boot")

	makeDirs(t, rootDir, "etc", "root")
	makeDirs(t, bootDir, "loader/entries")
	require.NoError(t, os.WriteFile(filepath.Join(rootDir, "etc/shadow"), []byte(testShadow), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(bootDir, "loader/entries/fedora.conf"), []byte(testEntry),
		0o644))

	return CustomizeTarget{
		RootVolume:   &PlainPartition{Partition: Partition{Number: 3, DevicePath: "/dev/loop0p3"}},
		RootMountDir: rootDir,
		BootMountDir: bootDir,
		Family:       family,
	}
}

func readFile(t *testing.T, path string) string {
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(content)
}

func assertFileMode(t *testing.T, path string, expected os.FileMode) {
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, expected, info.Mode().Perm(), path)
}

func TestCustomizeSshKeyIsIdempotent(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)

	for range 2 {
		require.NoError(t, customizeSshKey(target, testSshKey))
	}

	authorizedKeysPath := filepath.Join(target.RootMountDir, "root/.ssh/authorized_keys")
	assert.Equal(t, "# Added by arm-image-installer\n"+testSshKey+"\n", readFile(t, authorizedKeysPath))
	assertFileMode(t, authorizedKeysPath, 0o600)
	assertFileMode(t, filepath.Dir(authorizedKeysPath), 0o700)
}

func TestCustomizeSshKeyIotVarHome(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyIot)
	makeDirs(t, target.RootMountDir, "var/home")

	require.NoError(t, customizeSshKey(target, testSshKey))

	assert.FileExists(t, filepath.Join(target.RootMountDir, "var/home/root/.ssh/authorized_keys"))
	assert.NoFileExists(t, filepath.Join(target.RootMountDir, "root/.ssh/authorized_keys"))
}

func TestCustomizeClearRootPasswordOstree(t *testing.T) {
	rootDir := t.TempDir()
	deploymentDir := "ostree/deploy/fedora-iot/deploy/8a1b2c.0"
	makeDirs(t, rootDir, deploymentDir+"/etc", "ostree/deploy/fedora-iot/var/roothome")
	shadowPath := filepath.Join(rootDir, deploymentDir, "etc/shadow")
	require.NoError(t, os.WriteFile(shadowPath, []byte(testShadow), 0o640))

	target := CustomizeTarget{
		RootVolume: &OstreeDeployment{
			Base:          &PlainPartition{Partition: Partition{Number: 3, DevicePath: "/dev/loop0p3"}},
			StateRoot:     "fedora-iot",
			DeploymentDir: deploymentDir,
		},
		RootMountDir: rootDir,
		Family:       armimageapi.ImageFamilyIot,
	}

	err := ApplyCustomizations(context.Background(), target, armimageapi.Customization{
		ClearRootPassword: true,
		SshPublicKey:      testSshKey,
	})
	require.NoError(t, err)

	assert.Equal(t, "root::19000:0:99999:7:::\nfedora:$6$def$hash2:19000:0:99999:7:::\n", readFile(t, shadowPath))
	assertFileMode(t, shadowPath, 0o640)

	assert.FileExists(t, filepath.Join(rootDir, "ostree/deploy/fedora-iot/var/roothome/.ssh/authorized_keys"))
}

func TestCustomizeWifiReplacesExistingProfiles(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	connectionsDir := filepath.Join(target.RootMountDir, nmConnectionsDir)
	makeDirs(t, target.RootMountDir, nmConnectionsDir)

	existing := "[connection]\nid=Home\ntype=wifi\n\n[wifi]\nssid=" + testWifiSsid + "\n\n" +
		"[wifi-security]\nkey-mgmt=wpa-psk\npsk=oldpassword\n"
	other := "[connection]\nid=Office\ntype=wifi\n\n[wifi]\nssid=OfficeNetwork\n"
	require.NoError(t, os.WriteFile(filepath.Join(connectionsDir, "Home.nmconnection"), []byte(existing), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(connectionsDir, "Home2.nmconnection"), []byte(existing), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(connectionsDir, "Office.nmconnection"), []byte(other), 0o600))

	wifi := &armimageapi.Wifi{Ssid: testWifiSsid, Passphrase: "newpassword"}
	require.NoError(t, customizeWifi(target, wifi))

	entries, err := os.ReadDir(connectionsDir)
	require.NoError(t, err)
	names := []string(nil)
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.Equal(t, []string{"Home.nmconnection", "Office.nmconnection"}, names)

	profile, err := ini.Load(filepath.Join(connectionsDir, "Home.nmconnection"))
	require.NoError(t, err)
	assert.Equal(t, testWifiSsid, profile.Section("wifi").Key("ssid").String())
	assert.Equal(t, "newpassword", profile.Section("wifi-security").Key("psk").String())

	assert.Equal(t, other, readFile(t, filepath.Join(connectionsDir, "Office.nmconnection")))
}

func TestCustomizeWifiNewProfile(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	wifi := &armimageapi.Wifi{Ssid: testWifiSsid, Passphrase: "correct horse", Security: armimageapi.WifiSecuritySae}

	// Re-running leaves a single profile.
	for range 2 {
		require.NoError(t, customizeWifi(target, wifi))
	}

	connectionsDir := filepath.Join(target.RootMountDir, nmConnectionsDir)
	assertFileMode(t, connectionsDir, 0o700)

	entries, err := os.ReadDir(connectionsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	profilePath := filepath.Join(connectionsDir, testWifiSsid+".nmconnection")
	assertFileMode(t, profilePath, 0o600)

	profile, err := ini.Load(profilePath)
	require.NoError(t, err)

	connection := profile.Section("connection")
	assert.Equal(t, testWifiSsid, connection.Key("id").String())
	assert.Equal(t, "wifi", connection.Key("type").String())
	assert.Equal(t, "wlan0", connection.Key("interface-name").String())
	assert.Len(t, connection.Key("uuid").String(), 36)
	assert.Equal(t, "infrastructure", profile.Section("wifi").Key("mode").String())
	assert.Equal(t, "sae", profile.Section("wifi-security").Key("key-mgmt").String())
	assert.Equal(t, "correct horse", profile.Section("wifi-security").Key("psk").String())
	assert.Equal(t, "auto", profile.Section("ipv4").Key("method").String())
	assert.Equal(t, "auto", profile.Section("ipv6").Key("method").String())
}

func TestCustomizeWifiOpenNetwork(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)

	require.NoError(t, customizeWifi(target, &armimageapi.Wifi{Ssid: "Café Guest"}))

	profilePath := filepath.Join(target.RootMountDir, nmConnectionsDir, "Caf__Guest.nmconnection")
	content := readFile(t, profilePath)
	assert.Contains(t, content, "ssid=Café Guest\n")
	assert.NotContains(t, content, "[wifi-security]")
}

func TestCustomizeWifiQuotedSsids(t *testing.T) {
	for _, ssid := range []string{`"Cafe"`, "`tick`", "`open", `"""triple"""`, `Net\`, "a;b", "x#y", " spaced "} {
		t.Run(ssid, func(t *testing.T) {
			target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
			wifi := &armimageapi.Wifi{Ssid: ssid, Passphrase: "password123"}

			for range 2 {
				require.NoError(t, customizeWifi(target, wifi))
			}

			connectionsDir := filepath.Join(target.RootMountDir, nmConnectionsDir)
			entries, err := os.ReadDir(connectionsDir)
			require.NoError(t, err)
			require.Len(t, entries, 1)

			content := readFile(t, filepath.Join(connectionsDir, entries[0].Name()))
			value, found := keyFileValue(content, "wifi", "ssid")
			assert.True(t, found)
			assert.Equal(t, ssid, value)
		})
	}
}

func TestKeyFileValue(t *testing.T) {
	content := "# comment\n[connection]\nssid=wrong\n\n[wifi]\n  mode = infrastructure\r\nssid = `tick`\n"

	value, found := keyFileValue(content, "wifi", "ssid")
	assert.True(t, found)
	assert.Equal(t, "`tick`", value)

	value, found = keyFileValue(content, "wifi", "mode")
	assert.True(t, found)
	assert.Equal(t, "infrastructure", value)

	_, found = keyFileValue(content, "wifi-security", "psk")
	assert.False(t, found)
}

// Quotes and comment characters are written as is, without ini.v1's quoting.
func TestFormatKeyFileKeepsQuoteCharacters(t *testing.T) {
	profile, err := buildWifiProfile(&armimageapi.Wifi{Ssid: "`x#y`", Passphrase: "\"pass;word\"\tline"})
	require.NoError(t, err)

	content := formatKeyFile(profile)
	assert.Contains(t, content, "\nssid=`x#y`\n")
	assert.Contains(t, content, "\npsk=\"pass;word\"\\tline\n")
	assert.NotContains(t, content, `"""`)
}

func TestFormatKeyFile(t *testing.T) {
	profile, err := buildWifiProfile(&armimageapi.Wifi{Ssid: " lead#ing;", Passphrase: `back\slash `})
	require.NoError(t, err)

	content := formatKeyFile(profile)
	assert.True(t, strings.HasPrefix(content, "[connection]\nid=\\slead#ing;\n"), content)
	assert.Contains(t, content, "\n\n[wifi]\nmode=infrastructure\nssid=\\slead#ing;\n")
	assert.Contains(t, content, "psk=back\\\\slash\\s\n")

	assert.Equal(t, " lead#ing;", unescapeKeyFileValue(`\slead#ing;`))
	assert.Equal(t, `back\slash `, unescapeKeyFileValue(`back\\slash\s`))
}

func TestCustomizeFirstBootConfigRoundTrip(t *testing.T) {
	for _, size := range []int{1, 4096, 10000} {
		target := newTestCustomizeTarget(t, armimageapi.ImageFamilyIot)

		config := make([]byte, size)
		for i := range config {
			config[i] = byte('a' + i%26)
		}
		configFile := filepath.Join(t.TempDir(), "config.ign")
		require.NoError(t, os.WriteFile(configFile, config, 0o644))

		// A rerun replaces the marker instead of appending to it.
		for range 2 {
			require.NoError(t, customizeFirstBootConfig(target, configFile, ""))
		}

		copiedPath := filepath.Join(target.BootMountDir, "ignition/config.ign")
		assert.Equal(t, string(config), readFile(t, copiedPath))
		assertFileMode(t, copiedPath, 0o600)
		assertFileMode(t, filepath.Dir(copiedPath), 0o700)

		assert.Equal(t,
			"set ignition_extra_kcmdline=\"ignition.firstboot=1 ignition.config.url=file:///boot/ignition/config.ign\"\n",
			readFile(t, filepath.Join(target.BootMountDir, "ignition.firstboot")))
	}
}

func TestCustomizeFirstBootConfigUrl(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyIot)

	require.NoError(t, customizeFirstBootConfig(target, "", "https://example.com/config.ign"))

	assert.Equal(t,
		"set ignition_extra_kcmdline=\"ignition.firstboot=1 ignition.config.url=https://example.com/config.ign\"\n",
		readFile(t, filepath.Join(target.BootMountDir, "ignition.firstboot")))
	assert.NoDirExists(t, filepath.Join(target.BootMountDir, "ignition"))
}

func TestCustomizeFirstBootConfigFilePreferredOverUrl(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyIot)
	configFile := filepath.Join(t.TempDir(), "config.ign")
	require.NoError(t, os.WriteFile(configFile, []byte("{}"), 0o644))

	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	require.NoError(t, customizeFirstBootConfig(target, configFile, "https://example.com/config.ign"))

	assert.True(t, logs.ContainsMessage(logrus.WarnLevel, "Both an Ignition config file and URL were given"))
	assert.Contains(t, readFile(t, filepath.Join(target.BootMountDir, "ignition.firstboot")),
		"ignition.config.url=file:///boot/ignition/config.ign")
}

func TestCustomizeFirstBootConfigKeepsOtherMarkerLines(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyIot)
	markerPath := filepath.Join(target.BootMountDir, "ignition.firstboot")
	require.NoError(t, os.MkdirAll(target.BootMountDir, 0o755))
	require.NoError(t, os.WriteFile(markerPath,
		[]byte("set ignition_network_kcmdline=\"ip=dhcp\"\nset ignition_extra_kcmdline=\"old\"\n"), 0o644))

	for range 2 {
		require.NoError(t, customizeFirstBootConfig(target, "", "https://example.com/config.ign"))
	}

	assert.Equal(t,
		"set ignition_network_kcmdline=\"ip=dhcp\"\n"+
			"set ignition_extra_kcmdline=\"ignition.firstboot=1 ignition.config.url=https://example.com/config.ign\"\n",
		readFile(t, markerPath))
}

func TestMergeIgnitionMarker(t *testing.T) {
	const url = "https://example.com/a.ign"
	line := "set ignition_extra_kcmdline=\"ignition.firstboot=1 ignition.config.url=" + url + "\""

	tests := []struct {
		name     string
		existing string
		expected string
	}{
		{"Empty", "", line + "\n"},
		{"NoAssignment", "# grub\nset foo=bar", "# grub\nset foo=bar\n" + line + "\n"},
		{"Duplicates", "set ignition_extra_kcmdline=a\n  set ignition_extra_kcmdline=b\nset x=1\n", line + "\nset x=1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mergeIgnitionMarker(tt.existing, url))
		})
	}
}

func TestCustomizeSelinuxRelabel(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)

	require.NoError(t, customizeSelinuxRelabel(target))

	assert.FileExists(t, filepath.Join(target.RootMountDir, ".autorelabel"))
}

func TestCustomizeKernelArgs(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyMinimal)
	board, err := ResolveBoard("rpi4")
	require.NoError(t, err)
	target.Board = &board

	entryPath := filepath.Join(target.BootMountDir, "loader/entries/fedora.conf")
	require.NoError(t, os.Chmod(entryPath, 0o600))

	kernelArgs := &armimageapi.KernelArgs{
		ShowBoot:   true,
		AddConsole: true,
		Sysrq:      true,
		Extra:      "loglevel=7  cma=256M",
	}

	for range 2 {
		require.NoError(t, customizeKernelArgs(target, kernelArgs))
	}

	lines := strings.Split(readFile(t, entryPath), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "linux /vmlinuz-6.14.2-300.fc42.aarch64", lines[2])
	assert.Equal(t, "options root=UUID=6f9e1b1c-4d2a-4b9e-9c3f-2a7f1c8e5d10 ro rootflags=subvol=root "+
		"console=ttyS1,115200 sysrq_always_enabled=1 loglevel=7 cma=256M", lines[3])
	assertFileMode(t, entryPath, 0o600)
}

func TestEditKernelArgsKeepsExistingConsole(t *testing.T) {
	args := editKernelArgs([]string{"ro", "console=tty0", "quiet"}, &armimageapi.KernelArgs{AddConsole: true},
		"ttyAMA0,115200")
	assert.Equal(t, []string{"ro", "console=tty0", "quiet"}, args)

	args = editKernelArgs([]string{"ro"}, &armimageapi.KernelArgs{AddConsole: true}, DefaultConsole(nil, ""))
	assert.Equal(t, []string{"ro", "console=ttyAMA0,115200"}, args)
}

func TestCustomizeKernelArgsNoEntries(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	require.NoError(t, os.RemoveAll(filepath.Join(target.BootMountDir, "loader")))

	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	require.NoError(t, customizeKernelArgs(target, &armimageapi.KernelArgs{Sysrq: true}))
	assert.True(t, logs.ContainsMessage(logrus.WarnLevel, "No boot entries directory"))
}

func TestApplyCustomizationsAttemptsEverything(t *testing.T) {
	target := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	require.NoError(t, os.Remove(filepath.Join(target.RootMountDir, "etc/shadow")))

	err := ApplyCustomizations(context.Background(), target, armimageapi.Customization{
		ClearRootPassword: true,
		Wifi:              &armimageapi.Wifi{Ssid: testWifiSsid, Passphrase: "password123"},
		SelinuxRelabel:    true,
	})
	assert.ErrorIs(t, err, ErrCustomizeRootPassword)
	assert.ErrorIs(t, err, CustomizationError)
	assert.NotErrorIs(t, err, ErrCustomizeWifi)
	assert.Equal(t, []string{"Customize:RootPassword"}, ErrorNames(err))

	// The customizations after the failed one still ran.
	assert.FileExists(t, filepath.Join(target.RootMountDir, nmConnectionsDir, testWifiSsid+".nmconnection"))
	assert.FileExists(t, filepath.Join(target.RootMountDir, ".autorelabel"))
}

// Applying the customizations one at a time, in reverse order, leaves the same tree as applying them together.
func TestApplyCustomizationsCommute(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.ign")
	require.NoError(t, os.WriteFile(configFile, []byte(`{"ignition": {"version": "3.4.0"}}`), 0o644))

	customizations := []armimageapi.Customization{
		{SshPublicKey: testSshKey},
		{ClearRootPassword: true},
		{Wifi: &armimageapi.Wifi{Ssid: testWifiSsid, Passphrase: "password123"}},
		{FirstBootConfigFile: configFile},
		{SelinuxRelabel: true},
		{KernelArgs: &armimageapi.KernelArgs{ShowBoot: true, AddConsole: true}},
	}

	combined := armimageapi.Customization{}
	for _, c := range customizations {
		combined.SshPublicKey += c.SshPublicKey
		combined.ClearRootPassword = combined.ClearRootPassword || c.ClearRootPassword
		if c.Wifi != nil {
			combined.Wifi = c.Wifi
		}
		combined.FirstBootConfigFile += c.FirstBootConfigFile
		combined.SelinuxRelabel = combined.SelinuxRelabel || c.SelinuxRelabel
		if c.KernelArgs != nil {
			combined.KernelArgs = c.KernelArgs
		}
	}

	together := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	require.NoError(t, ApplyCustomizations(context.Background(), together, combined))

	separately := newTestCustomizeTarget(t, armimageapi.ImageFamilyServer)
	for i := len(customizations) - 1; i >= 0; i-- {
		require.NoError(t, ApplyCustomizations(context.Background(), separately, customizations[i]))
	}

	assert.Equal(t, snapshotTree(t, together.RootMountDir), snapshotTree(t, separately.RootMountDir))
	assert.Equal(t, snapshotTree(t, together.BootMountDir), snapshotTree(t, separately.BootMountDir))
}

// snapshotTree maps every file under root to its mode and content.
func snapshotTree(t *testing.T, root string) map[string]string {
	snapshot := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		content := ""
		if entry.Type().IsRegular() {
			bytes, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			content = string(bytes)
		}

		snapshot[relPath] = info.Mode().String() + " " + content
		return nil
	})
	require.NoError(t, err)
	return snapshot
}
