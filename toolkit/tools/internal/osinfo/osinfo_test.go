// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package osinfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadOsRelease(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, osReleaseFile), []byte(`NAME="Fedora Linux"
VERSION="42 (IoT Edition)"
ID=fedora
VERSION_ID=42
VARIANT_ID=iot
HOME_URL="https://fedoraproject.org/"
`), 0o644))

	release, err := ReadOsRelease(root)
	require.NoError(t, err)
	assert.Equal(t, "fedora", release.Id)
	assert.Equal(t, "Fedora Linux", release.Name)
	assert.Equal(t, "42 (IoT Edition)", release.Version)
	assert.Equal(t, "iot", release.VariantId)
}

func TestReadOsReleaseMissing(t *testing.T) {
	_, err := ReadOsRelease(t.TempDir())
	assert.ErrorContains(t, err, "failed to read os-release file")
}
