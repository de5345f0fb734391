// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package exekong

import (
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCmd struct {
	Color string `name:"color" enum:"${colorvalues}" default:""`
	LogFlags
}

func TestEnumValues(t *testing.T) {
	assert.Equal(t, "server,iot,", EnumValues([]string{"server", "iot"}))
}

func TestVarsParse(t *testing.T) {
	cmd := &testCmd{}
	parser, err := kong.New(cmd, Vars(kong.Vars{"colorvalues": EnumValues([]string{"red", "blue"})}))
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--color", "blue", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "blue", cmd.Color)

	flags := cmd.AsLoggerFlags()
	assert.Equal(t, "debug", *flags.LogLevel)
	assert.Equal(t, "", *flags.LogColor)

	_, err = parser.Parse([]string{"--log-level", "loud"})
	assert.Error(t, err)
}
