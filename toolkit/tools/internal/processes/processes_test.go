// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"context"
	"errors"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lsofVersion(host *testutils.FakeHost, revision string) {
	host.On("lsof -v", func(testutils.FakeCommand) (string, string, error) {
		return "", "lsof version information:\n    revision: " + revision + "\n", nil
	})
}

func TestGetProcessesUsingPath(t *testing.T) {
	host := testutils.NewFakeHost()
	lsofVersion(host, "4.98.0")
	host.OnOutput("lsof -Q -F pc -- /tmp/work/root", "p812\ncbash\np1033\ncless\n")

	records, err := GetProcessesUsingPath(context.Background(), host, "/tmp/work/root")
	require.NoError(t, err)
	assert.Equal(t, []ProcessRecord{{812, "bash"}, {1033, "less"}}, records)
	assert.Equal(t, "bash(812)", records[0].String())
}

func TestGetProcessesUsingPathOldLsof(t *testing.T) {
	host := testutils.NewFakeHost()
	lsofVersion(host, "4.93.2")
	host.FailOn("lsof -F pc", errors.New("exit status 1"))

	records, err := GetProcessesUsingPath(context.Background(), host, "/tmp/work/root")
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestGetProcessesUsingPathBadVersion(t *testing.T) {
	host := testutils.NewFakeHost()

	_, err := GetProcessesUsingPath(context.Background(), host, "/tmp/work/root")
	assert.ErrorContains(t, err, "failed to parse lsof version string")
}
