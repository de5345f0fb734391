// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Lists the boards the ARM image installer can install a bootloader for.

package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/exe"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/pkg/armimagelib"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("armboards", "Lists the boards supported by armimageinstaller")

	board    = app.Flag("board", "Show the details of one board (name or alias).").String()
	family   = app.Flag("family", "Image family used to pick the default console.").Default(string(armimageapi.ImageFamilyServer)).Enum(armimageapi.SupportedImageFamilies()...)
	logFlags = exe.SetupLogFlags(app)
)

func main() {
	exe.SetupVersionFlag(app, armimagelib.ToolVersion)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger.InitBestEffort(logFlags)

	var err error
	if *board != "" {
		err = printBoard(os.Stdout, armimageapi.Board(*board), armimageapi.ImageFamily(*family))
	} else {
		printBoards(os.Stdout)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func printBoards(w io.Writer) {
	boards := armimagelib.SupportedBoards()

	for _, group := range armimagelib.BoardGroups() {
		fmt.Fprintf(w, "%s:\n", group)

		for _, b := range boards {
			if b.Group != group {
				continue
			}

			aliases := armimagelib.BoardAliases(b.Name)
			if len(aliases) > 0 {
				fmt.Fprintf(w, "  %s (%s)\n", b.Name, strings.Join(aliases, ", "))
			} else {
				fmt.Fprintf(w, "  %s\n", b.Name)
			}
		}
	}
}

func printBoard(w io.Writer, name armimageapi.Board, family armimageapi.ImageFamily) error {
	b, err := armimagelib.ResolveBoard(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Board:   %s\n", b.Name)
	fmt.Fprintf(w, "Group:   %s\n", b.Group)
	if b.Uboot != nil {
		fmt.Fprintf(w, "U-Boot:  %s at %d KiB\n", b.Uboot.FileName, b.Uboot.SeekKiB)
	} else {
		fmt.Fprintf(w, "U-Boot:  not written to the media\n")
	}
	fmt.Fprintf(w, "Console: %s\n", armimagelib.DefaultConsole(&b, family))

	return nil
}
