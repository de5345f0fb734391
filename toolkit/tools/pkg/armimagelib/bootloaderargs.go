// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/sliceutils"
)

const (
	blsEntriesDir    = "loader/entries"
	blsEntryExt      = ".conf"
	blsOptionsKey    = "options"
	consoleArgPrefix = "console="
	sysrqArg         = "sysrq_always_enabled=1"
)

var quietBootArgs = []string{"rhgb", "quiet"}

// customizeKernelArgs edits the "options" line of every Boot Loader Specification entry on the boot partition.
func customizeKernelArgs(target CustomizeTarget, kernelArgs *armimageapi.KernelArgs) error {
	entriesDir := filepath.Join(target.BootDir(), blsEntriesDir)

	exists, err := file.DirExists(entriesDir)
	if err != nil {
		return fmt.Errorf("failed to check boot entries directory (%s):\n%w", entriesDir, err)
	}
	if !exists {
		logger.Log.Warnf("No boot entries directory (%s), kernel arguments not changed", entriesDir)
		return nil
	}

	entries, err := filepath.Glob(filepath.Join(entriesDir, "*"+blsEntryExt))
	if err != nil {
		return fmt.Errorf("failed to list boot entries (%s):\n%w", entriesDir, err)
	}
	if len(entries) == 0 {
		logger.Log.Warnf("No boot entries found in (%s), kernel arguments not changed", entriesDir)
		return nil
	}

	console := DefaultConsole(target.Board, target.Family)

	for _, entry := range entries {
		err = updateBootEntryOptions(entry, func(args []string) []string {
			return editKernelArgs(args, kernelArgs, console)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func editKernelArgs(args []string, kernelArgs *armimageapi.KernelArgs, console string) []string {
	if kernelArgs.ShowBoot {
		args = sliceutils.FilterFunc(args, func(arg string) bool {
			return !slices.Contains(quietBootArgs, arg)
		})
	}

	if kernelArgs.AddConsole {
		_, hasConsole := sliceutils.FindValueFunc(args, func(arg string) bool {
			return strings.HasPrefix(arg, consoleArgPrefix)
		})
		if !hasConsole {
			args = append(args, consoleArgPrefix+console)
		}
	}

	if kernelArgs.Sysrq {
		args = appendMissingArgs(args, sysrqArg)
	}

	args = appendMissingArgs(args, strings.Fields(kernelArgs.Extra)...)

	return args
}

func appendMissingArgs(args []string, extra ...string) []string {
	for _, arg := range extra {
		if !sliceutils.ContainsValue(args, arg) {
			args = append(args, arg)
		}
	}
	return args
}

func updateBootEntryOptions(entryPath string, edit func([]string) []string) error {
	info, err := os.Stat(entryPath)
	if err != nil {
		return fmt.Errorf("failed to stat boot entry (%s):\n%w", entryPath, err)
	}

	lines, err := file.ReadLines(entryPath)
	if err != nil {
		return fmt.Errorf("failed to read boot entry (%s):\n%w", entryPath, err)
	}

	found := false
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != blsOptionsKey {
			continue
		}

		found = true
		lines[i] = strings.Join(append([]string{blsOptionsKey}, edit(fields[1:])...), " ")
	}

	if !found {
		lines = append(lines, strings.Join(append([]string{blsOptionsKey}, edit(nil)...), " "))
	}

	err = file.WriteWithPerm(strings.Join(lines, "\n")+"\n", entryPath, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to write boot entry (%s):\n%w", entryPath, err)
	}

	logger.Log.Debugf("Updated kernel arguments of boot entry (%s)", entryPath)
	return nil
}
