// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package exekong holds the flags shared by the kong based executables.
package exekong

import (
	"maps"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
)

// EnumValues formats values for a kong enum tag. The trailing comma lets the flag stay unset.
func EnumValues(values []string) string {
	return strings.Join(values, ",") + ","
}

// Vars returns the variables referenced by LogFlags, merged with the executable's own.
func Vars(extra kong.Vars) kong.Vars {
	vars := kong.Vars{
		"logcolorhelp":   logger.ColorFlagHelp,
		"logcolorvalues": EnumValues(logger.Colors()),
		"logfilehelp":    logger.FileFlagHelp,
		"loglevelhelp":   logger.LevelsHelp,
		"loglevelvalues": EnumValues(logger.Levels()),
	}
	maps.Copy(vars, extra)
	return vars
}

type LogFlags struct {
	LogColor string `name:"log-color" placeholder:"(always|auto|never)" help:"${logcolorhelp}" enum:"${logcolorvalues}" default:""`
	LogFile  string `name:"log-file" help:"${logfilehelp}"`
	LogLevel string `name:"log-level" placeholder:"(panic|fatal|error|warn|info|debug|trace)" help:"${loglevelhelp}" enum:"${loglevelvalues}" default:""`
}

func (f LogFlags) AsLoggerFlags() logger.LogFlags {
	return logger.LogFlags{
		LogColor: &f.LogColor,
		LogFile:  &f.LogFile,
		LogLevel: &f.LogLevel,
	}
}
