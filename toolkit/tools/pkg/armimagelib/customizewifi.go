// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"gopkg.in/ini.v1"
)

const (
	nmConnectionsDir      = "etc/NetworkManager/system-connections"
	nmConnectionExt       = ".nmconnection"
	nmConnectionsDirPerm  = 0o700
	nmConnectionPerm      = 0o600
	nmWifiInterface       = "wlan0"
	nmDefaultProfileName  = "wifi"
	nmKeyMgmtWpaPsk       = "wpa-psk"
	nmKeyMgmtSae          = "sae"
	nmSectionConnection   = "connection"
	nmSectionWifi         = "wifi"
	nmSectionWifiSecurity = "wifi-security"
	nmSectionIpv4         = "ipv4"
	nmSectionIpv6         = "ipv6"
)

var (
	// NetworkManager connection UUIDs are derived from the SSID so that re-running produces the same profile.
	wifiUuidNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/microsoft/arm-image-installer/wifi"))

	unsafeFileNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// customizeWifi writes a NetworkManager profile for the network. A profile already in the image for the same
// SSID is replaced, so the image ends up with exactly one profile for it.
func customizeWifi(target CustomizeTarget, wifi *armimageapi.Wifi) error {
	connectionsDir := filepath.Join(target.DeploymentRoot(), nmConnectionsDir)

	err := os.MkdirAll(connectionsDir, nmConnectionsDirPerm)
	if err != nil {
		return fmt.Errorf("failed to create NetworkManager connections directory (%s):\n%w", connectionsDir, err)
	}

	existing, err := findWifiProfiles(connectionsDir, wifi.Ssid)
	if err != nil {
		return err
	}

	profilePath := ""
	if len(existing) > 0 {
		profilePath = existing[0]
		logger.Log.Infof("Replacing existing Wi-Fi profile (%s)", profilePath)

		for _, duplicate := range existing[1:] {
			logger.Log.Infof("Removing duplicate Wi-Fi profile (%s)", duplicate)

			err = os.Remove(duplicate)
			if err != nil {
				return fmt.Errorf("failed to remove duplicate Wi-Fi profile (%s):\n%w", duplicate, err)
			}
		}
	} else {
		profilePath, err = newWifiProfilePath(connectionsDir, wifi.Ssid)
		if err != nil {
			return err
		}
	}

	profile, err := buildWifiProfile(wifi)
	if err != nil {
		return err
	}

	err = file.WriteWithPerm(formatKeyFile(profile), profilePath, nmConnectionPerm)
	if err != nil {
		return fmt.Errorf("failed to write Wi-Fi profile (%s):\n%w", profilePath, err)
	}

	return nil
}

func buildWifiProfile(wifi *armimageapi.Wifi) (*ini.File, error) {
	type keyValue struct {
		key   string
		value string
	}
	type section struct {
		name string
		keys []keyValue
	}

	sections := []section{
		{nmSectionConnection, []keyValue{
			{"id", wifi.Ssid},
			{"uuid", uuid.NewSHA1(wifiUuidNamespace, []byte(wifi.Ssid)).String()},
			{"type", "wifi"},
			{"interface-name", nmWifiInterface},
		}},
		{nmSectionWifi, []keyValue{
			{"mode", "infrastructure"},
			{"ssid", wifi.Ssid},
		}},
	}

	if wifi.Passphrase != "" {
		keyMgmt := nmKeyMgmtWpaPsk
		if wifi.EffectiveSecurity() == armimageapi.WifiSecuritySae {
			keyMgmt = nmKeyMgmtSae
		}

		sections = append(sections, section{nmSectionWifiSecurity, []keyValue{
			{"key-mgmt", keyMgmt},
			{"psk", wifi.Passphrase},
		}})
	}

	sections = append(sections,
		section{nmSectionIpv4, []keyValue{{"method", "auto"}}},
		section{nmSectionIpv6, []keyValue{{"addr-gen-mode", "default"}, {"method", "auto"}}},
	)

	profile := ini.Empty()
	for _, s := range sections {
		iniSection, err := profile.NewSection(s.name)
		if err != nil {
			return nil, fmt.Errorf("failed to create INI section (%s):\n%w", s.name, err)
		}

		for _, kv := range s.keys {
			_, err = iniSection.NewKey(kv.key, kv.value)
			if err != nil {
				return nil, fmt.Errorf("failed to add '%s' key to INI section (%s):\n%w", kv.key, s.name, err)
			}
		}
	}

	return profile, nil
}

// findWifiProfiles returns the profiles in connectionsDir for the SSID, sorted by file name.
func findWifiProfiles(connectionsDir string, ssid string) ([]string, error) {
	entries, err := os.ReadDir(connectionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list NetworkManager connections (%s):\n%w", connectionsDir, err)
	}

	matches := []string(nil)
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), nmConnectionExt) {
			continue
		}

		profilePath := filepath.Join(connectionsDir, entry.Name())
		content, err := os.ReadFile(profilePath)
		if err != nil {
			logger.Log.Warnf("Skipping unreadable NetworkManager profile (%s):\n%v", profilePath, err)
			continue
		}

		profileSsid, found := keyFileValue(string(content), nmSectionWifi, "ssid")
		if found && profileSsid == ssid {
			matches = append(matches, profilePath)
		}
	}

	return matches, nil
}

// keyFileValue looks up a key in a GLib key file and unescapes its value. GLib keeps quotes and backticks as part
// of the value, which ini.v1's reader strips (or treats as the start of a multi-line value), so an SSID such as
// "Cafe" would never match its own profile if read through ini.v1.
func keyFileValue(content string, section string, key string) (string, bool) {
	currentSection := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimLeft(strings.TrimSuffix(line, "\r"), " \t")
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '[' {
			end := strings.IndexByte(line, ']')
			if end > 0 {
				currentSection = line[1:end]
			}
			continue
		}

		if currentSection != section {
			continue
		}

		name, value, found := strings.Cut(line, "=")
		if found && strings.TrimSpace(name) == key {
			return unescapeKeyFileValue(strings.TrimSpace(value)), true
		}
	}

	return "", false
}

// newWifiProfilePath names a new profile after the SSID, avoiding files that belong to other networks.
func newWifiProfilePath(connectionsDir string, ssid string) (string, error) {
	name := unsafeFileNameChars.ReplaceAllString(ssid, "_")
	if strings.Trim(name, "._") == "" {
		name = nmDefaultProfileName
	}

	profilePath := filepath.Join(connectionsDir, name+nmConnectionExt)

	exists, err := file.PathExists(profilePath)
	if err != nil {
		return "", err
	}

	if exists {
		suffix := uuid.NewSHA1(wifiUuidNamespace, []byte(ssid)).String()[:8]
		profilePath = filepath.Join(connectionsDir, name+"-"+suffix+nmConnectionExt)
	}

	return profilePath, nil
}

// formatKeyFile writes an INI file in the GLib key file syntax that NetworkManager reads. Values are written
// verbatim apart from the key file escapes. ini.v1's own writer isn't used: it wraps values containing a
// backtick in """...""", values containing '#' or ';' in backticks and values with surrounding blanks in double
// quotes. GLib has no quoting, so NetworkManager would take those quotes as part of the SSID or passphrase.
func formatKeyFile(profile *ini.File) string {
	builder := strings.Builder{}
	for _, section := range profile.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}

		if builder.Len() > 0 {
			builder.WriteString("\n")
		}

		builder.WriteString("[" + section.Name() + "]\n")
		for _, key := range section.Keys() {
			builder.WriteString(key.Name() + "=" + escapeKeyFileValue(key.Value()) + "\n")
		}
	}

	return builder.String()
}

func escapeKeyFileValue(value string) string {
	value = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\t", `\t`, "\r", `\r`).Replace(value)

	// Leading and trailing blanks are trimmed by the parser unless escaped.
	if strings.HasPrefix(value, " ") {
		value = `\s` + value[1:]
	}
	if len(value) > 1 && strings.HasSuffix(value, " ") {
		value = value[:len(value)-1] + `\s`
	}

	return value
}

func unescapeKeyFileValue(value string) string {
	builder := strings.Builder{}
	for i := 0; i < len(value); i++ {
		if value[i] != '\\' || i == len(value)-1 {
			builder.WriteByte(value[i])
			continue
		}

		i++
		switch value[i] {
		case 's':
			builder.WriteByte(' ')
		case 'n':
			builder.WriteByte('\n')
		case 't':
			builder.WriteByte('\t')
		case 'r':
			builder.WriteByte('\r')
		default:
			builder.WriteByte(value[i])
		}
	}

	return builder.String()
}
