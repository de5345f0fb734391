// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Shared logger for all tools.

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log contains the shared Logger
var Log *logrus.Logger

const (
	ColorFlag         = "log-color"
	ColorFlagHelp     = "Color setting for log terminal output."
	ColorsPlaceholder = "(always|auto|never)"

	FileFlag     = "log-file"
	FileFlagHelp = "Path to the log file."

	LevelsFlag        = "log-level"
	LevelsHelp        = "The minimum log level."
	LevelsPlaceholder = "(panic|fatal|error|warn|info|debug|trace)"

	ColorAlways = "always"
	ColorAuto   = "auto"
	ColorNever  = "never"

	defaultLogFileLevel = logrus.DebugLevel
	defaultStderrLevel  = logrus.InfoLevel
	logFilePerm         = 0o664
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

var (
	stderrHook *writerHook
	fileHook   *writerHook
)

// Levels returns the list of valid log level names.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the list of valid color settings.
func Colors() []string {
	return []string{ColorAlways, ColorAuto, ColorNever}
}

// InitStderrLog initializes the logger to print to stderr only.
func InitStderrLog() {
	initLogger()
	stderrHook = newWriterHook(os.Stderr, defaultStderrLevel, isTerminal(os.Stderr))
	Log.AddHook(stderrHook)
}

// InitBestEffort initializes the logger with the given flags.
// Errors are printed to stderr and the logger falls back to stderr only logging.
func InitBestEffort(lf *LogFlags) {
	err := Init(lf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger:\n%v\n", err)
	}
}

// Init initializes the logger with the given flags.
func Init(lf *LogFlags) (err error) {
	InitStderrLog()

	if lf == nil {
		return nil
	}

	if lf.LogColor != nil && *lf.LogColor != "" {
		err = setColorMode(*lf.LogColor)
		if err != nil {
			return err
		}
	}

	if lf.LogLevel != nil && *lf.LogLevel != "" {
		err = SetStderrLogLevel(*lf.LogLevel)
		if err != nil {
			return err
		}
	}

	if lf.LogFile != nil && *lf.LogFile != "" {
		err = initLogFile(*lf.LogFile)
		if err != nil {
			return err
		}
	}

	return nil
}

// SetStderrLogLevel sets the minimum level printed to stderr.
func SetStderrLogLevel(level string) error {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level (%s):\n%w", level, err)
	}

	stderrHook.setLevel(parsed)
	return nil
}

// PanicOnError panics if err is not nil.
func PanicOnError(err error, args ...interface{}) {
	if err == nil {
		return
	}

	if len(args) > 0 {
		format, ok := args[0].(string)
		if ok {
			Log.Panicf("%s\n%v", fmt.Sprintf(format, args[1:]...), err)
		}
	}

	Log.Panicln(err)
}

func initLogger() {
	Log = logrus.New()
	Log.SetOutput(io.Discard)
	Log.SetLevel(logrus.TraceLevel)
	Log.SetReportCaller(false)
}

func initLogFile(logFilePath string) error {
	err := os.MkdirAll(filepath.Dir(logFilePath), os.ModePerm)
	if err != nil {
		return fmt.Errorf("failed to create log file directory:\n%w", err)
	}

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open log file (%s):\n%w", logFilePath, err)
	}

	fileHook = newWriterHook(logFile, defaultLogFileLevel, false)
	Log.AddHook(fileHook)
	return nil
}

func setColorMode(mode string) error {
	switch strings.ToLower(mode) {
	case ColorAlways:
		color.NoColor = false
		stderrHook.setColors(true)

	case ColorNever:
		color.NoColor = true
		stderrHook.setColors(false)

	case ColorAuto:
		stderrHook.setColors(isTerminal(os.Stderr))

	default:
		return fmt.Errorf("invalid log color setting (%s)", mode)
	}

	return nil
}

func isTerminal(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}

	return stat.Mode()&os.ModeCharDevice != 0 && !color.NoColor
}
