// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

const osReleaseFile = "etc/os-release"

// OsRelease holds the os-release fields the installer reports.
type OsRelease struct {
	Id        string
	Name      string
	Version   string
	VariantId string
}

// ReadOsRelease reads etc/os-release under rootDir.
func ReadOsRelease(rootDir string) (OsRelease, error) {
	path := filepath.Join(rootDir, osReleaseFile)

	// os-release is a shell-compatible KEY=value file, which ini reads as its default section.
	cfg, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment:       true,
		UnescapeValueDoubleQuotes: true,
	}, path)
	if err != nil {
		return OsRelease{}, fmt.Errorf("failed to read os-release file (%s):\n%w", path, err)
	}

	section := cfg.Section(ini.DefaultSection)
	return OsRelease{
		Id:        section.Key("ID").String(),
		Name:      section.Key("NAME").String(),
		Version:   section.Key("VERSION").String(),
		VariantId: section.Key("VARIANT_ID").String(),
	}, nil
}
