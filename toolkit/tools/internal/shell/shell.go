// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Helpers for running host programs with their output routed into the shared logger.

package shell

import (
	"github.com/sirupsen/logrus"
)

const (
	// LogDisabledLevel is a level that no logger ever emits, used to silence a stream.
	LogDisabledLevel logrus.Level = logrus.Level(^uint32(0))

	// DefaultWarnLogLines is the number of trailing output lines logged as warnings when a command fails.
	DefaultWarnLogLines = 1500
)

// Execute runs a program and returns its stdout and stderr.
// Output is logged at debug level.
func Execute(program string, args ...string) (stdout, stderr string, err error) {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ExecuteCaptureOutput()
}

// ExecuteWithStdin runs a program with the given stdin and returns its stdout and stderr.
func ExecuteWithStdin(stdin string, program string, args ...string) (stdout, stderr string, err error) {
	return NewExecBuilder(program, args...).
		Stdin(stdin).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ExecuteCaptureOutput()
}

// ExecuteLive runs a program, logging stdout at debug and stderr at warn level as lines arrive.
// When squashErrors is set, stderr is logged at debug level instead.
func ExecuteLive(squashErrors bool, program string, args ...string) error {
	stderrLevel := logrus.WarnLevel
	if squashErrors {
		stderrLevel = logrus.DebugLevel
	}

	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, stderrLevel).
		Execute()
}

// ExecuteLiveWithErr runs a program and includes up to stderrLines lines of stderr in the returned error.
func ExecuteLiveWithErr(stderrLines int, program string, args ...string) error {
	return NewExecBuilder(program, args...).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).
		ErrorStderrLines(stderrLines).
		Execute()
}
