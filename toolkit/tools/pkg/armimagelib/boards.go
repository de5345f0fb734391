// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"fmt"
	"sort"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
)

var ErrUnknownBoard = NewArmImageError(ValidationError, "Validation:UnknownBoard", "unknown board")

// BoardGroup is the SoC family a board belongs to. Boards of a group share their bootloader handling.
type BoardGroup string

const (
	BoardGroupAllwinner BoardGroup = "AllWinner Devices"
	BoardGroupTiAm625   BoardGroup = "TI am625 Devices"
	BoardGroupQcom      BoardGroup = "QCom Devices"
	BoardGroupRockchip  BoardGroup = "Rockchips rk33xx series Devices"
	BoardGroupOther     BoardGroup = "Other Devices"
)

var boardGroupOrder = []BoardGroup{
	BoardGroupAllwinner,
	BoardGroupTiAm625,
	BoardGroupQcom,
	BoardGroupRockchip,
	BoardGroupOther,
}

const (
	defaultConsole          = "ttyAMA0,115200"
	raspberryPi4Console     = "ttyS1,115200"
	raspberryPi4MiniConsole = "ttyS0,115200"
)

// UbootPlacement is where a board's U-Boot binary is written on the raw media.
type UbootPlacement struct {
	// File name under /usr/share/uboot/<board>/.
	FileName string
	// Offset in KiB from the start of the media.
	SeekKiB int
}

type Board struct {
	Name  string
	Group BoardGroup
	// nil when the firmware loads the bootloader from the boot partition.
	Uboot *UbootPlacement
}

var (
	allwinnerUboot = &UbootPlacement{FileName: "u-boot-sunxi-with-spl.bin", SeekKiB: 8}
	rockchipUboot  = &UbootPlacement{FileName: "idbloader.img", SeekKiB: 64}
	am625Uboot     = &UbootPlacement{FileName: "tiboot3.bin", SeekKiB: 64}
)

var supportedBoards = []Board{
	{Name: "bananapi_m64", Group: BoardGroupAllwinner, Uboot: allwinnerUboot},
	{Name: "nanopi_a64", Group: BoardGroupAllwinner, Uboot: allwinnerUboot},
	{Name: "pine64_plus", Group: BoardGroupAllwinner, Uboot: allwinnerUboot},
	{Name: "sopine_baseboard", Group: BoardGroupAllwinner, Uboot: allwinnerUboot},
	{Name: "beagleplay", Group: BoardGroupTiAm625, Uboot: am625Uboot},
	{Name: "Thinkpad-X13s", Group: BoardGroupQcom},
	{Name: "nanopi-r4s-rk3399", Group: BoardGroupRockchip, Uboot: rockchipUboot},
	{Name: "rock-pi-4-rk3399", Group: BoardGroupRockchip, Uboot: rockchipUboot},
	{Name: "rockpro64-rk3399", Group: BoardGroupRockchip, Uboot: rockchipUboot},
	{Name: "RaspberryPi3-64", Group: BoardGroupOther},
	{Name: "RaspberryPi4-64", Group: BoardGroupOther},
}

var boardAliases = map[string]string{
	"rpi4": "RaspberryPi4-64",
	"pi4":  "RaspberryPi4-64",
	"rpi3": "RaspberryPi3-64",
	"pi3":  "RaspberryPi3-64",
	"x13s": "Thinkpad-X13s",
}

// ResolveBoard looks up a board by name or alias. Names are matched exactly, aliases case-insensitively.
func ResolveBoard(name armimageapi.Board) (Board, error) {
	boardName := string(name)

	aliased, isAlias := boardAliases[strings.ToLower(boardName)]
	if isAlias {
		boardName = aliased
	}

	for _, board := range supportedBoards {
		if board.Name == boardName {
			return board, nil
		}
	}

	return Board{}, fmt.Errorf("%w (%s): run 'armboards' to list the supported boards", ErrUnknownBoard, name)
}

// SupportedBoards returns the supported boards in listing order: by group, then by name.
func SupportedBoards() []Board {
	boards := make([]Board, len(supportedBoards))
	copy(boards, supportedBoards)

	sort.SliceStable(boards, func(i, j int) bool {
		gi, gj := boardGroupIndex(boards[i].Group), boardGroupIndex(boards[j].Group)
		if gi != gj {
			return gi < gj
		}
		return boards[i].Name < boards[j].Name
	})
	return boards
}

// BoardGroups returns the board groups in listing order.
func BoardGroups() []BoardGroup {
	return boardGroupOrder
}

// BoardAliases returns the aliases of a board, sorted.
func BoardAliases(boardName string) []string {
	aliases := []string(nil)
	for alias, target := range boardAliases {
		if target == boardName {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases
}

func boardGroupIndex(group BoardGroup) int {
	for i, g := range boardGroupOrder {
		if g == group {
			return i
		}
	}
	return len(boardGroupOrder)
}

// DefaultConsole returns the serial console kernel argument value for a board. board may be nil.
// IoT and Server images put the Raspberry Pi 4 console on the mini UART.
func DefaultConsole(board *Board, family armimageapi.ImageFamily) string {
	if board == nil || board.Name != "RaspberryPi4-64" {
		return defaultConsole
	}

	switch family {
	case armimageapi.ImageFamilyIot, armimageapi.ImageFamilyServer:
		return raspberryPi4MiniConsole
	default:
		return raspberryPi4Console
	}
}
