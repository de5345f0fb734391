// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/pkg/armimagelib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintBoards(t *testing.T) {
	buffer := bytes.Buffer{}
	printBoards(&buffer)

	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	assert.Equal(t, "AllWinner Devices:", lines[0])
	assert.Equal(t, "  bananapi_m64", lines[1])
	assert.Contains(t, lines, "  RaspberryPi4-64 (pi4, rpi4)")
	assert.Equal(t, "  RaspberryPi4-64 (pi4, rpi4)", lines[len(lines)-1])
}

func TestPrintBoard(t *testing.T) {
	buffer := bytes.Buffer{}
	err := printBoard(&buffer, "nanopi-r4s-rk3399", armimageapi.ImageFamilyServer)
	require.NoError(t, err)

	assert.Equal(t, "Board:   nanopi-r4s-rk3399\n"+
		"Group:   Rockchips rk33xx series Devices\n"+
		"U-Boot:  idbloader.img at 64 KiB\n"+
		"Console: ttyAMA0,115200\n", buffer.String())

	buffer.Reset()
	err = printBoard(&buffer, "pi4", armimageapi.ImageFamilyMinimal)
	require.NoError(t, err)
	assert.Contains(t, buffer.String(), "U-Boot:  not written to the media\n")
	assert.Contains(t, buffer.String(), "Console: ttyS1,115200\n")

	err = printBoard(&buffer, "pi5", armimageapi.ImageFamilyServer)
	assert.ErrorIs(t, err, armimagelib.ErrUnknownBoard)
}
