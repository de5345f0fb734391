// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/sirupsen/logrus"
)

type ExecBuilder struct {
	ctx              context.Context
	program          string
	args             []string
	stdin            string
	hasStdin         bool
	stdoutLogLevel   logrus.Level
	stderrLogLevel   logrus.Level
	errorStderrLines int
	warnLogLines     int
	stdoutCallback   func(line string)
	stderrCallback   func(line string)
}

func NewExecBuilder(program string, args ...string) ExecBuilder {
	return ExecBuilder{
		ctx:            context.Background(),
		program:        program,
		args:           args,
		stdoutLogLevel: logrus.DebugLevel,
		stderrLogLevel: logrus.DebugLevel,
	}
}

// Context sets a context that kills the process when cancelled.
func (b ExecBuilder) Context(ctx context.Context) ExecBuilder {
	b.ctx = ctx
	return b
}

func (b ExecBuilder) Stdin(stdin string) ExecBuilder {
	b.stdin = stdin
	b.hasStdin = true
	return b
}

// LogLevel sets the levels that each stdout and stderr line is logged at.
func (b ExecBuilder) LogLevel(stdoutLogLevel logrus.Level, stderrLogLevel logrus.Level) ExecBuilder {
	b.stdoutLogLevel = stdoutLogLevel
	b.stderrLogLevel = stderrLogLevel
	return b
}

// ErrorStderrLines sets the number of trailing stderr lines added to the returned error.
func (b ExecBuilder) ErrorStderrLines(lines int) ExecBuilder {
	b.errorStderrLines = lines
	return b
}

// WarnLogLines sets the number of trailing output lines to log as warnings if the program fails.
func (b ExecBuilder) WarnLogLines(lines int) ExecBuilder {
	b.warnLogLines = lines
	return b
}

func (b ExecBuilder) StdoutCallback(callback func(line string)) ExecBuilder {
	b.stdoutCallback = callback
	return b
}

func (b ExecBuilder) StderrCallback(callback func(line string)) ExecBuilder {
	b.stderrCallback = callback
	return b
}

// Execute runs the program to completion.
func (b ExecBuilder) Execute() error {
	_, _, err := b.execute(false)
	return err
}

// ExecuteCaptureOutput runs the program to completion and returns its full output.
func (b ExecBuilder) ExecuteCaptureOutput() (stdout string, stderr string, err error) {
	return b.execute(true)
}

func (b ExecBuilder) execute(captureOutput bool) (string, string, error) {
	logger.Log.Debugf("Executing: %s %s", b.program, strings.Join(b.args, " "))

	cmd := exec.CommandContext(b.ctx, b.program, b.args...)
	if b.hasStdin {
		cmd.Stdin = strings.NewReader(b.stdin)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", "", err
	}

	err = cmd.Start()
	if err != nil {
		return "", "", fmt.Errorf("failed to start (%s):\n%w", b.program, err)
	}

	stdoutLines := newLineCollector(captureOutput, b.warnLogLines)
	stderrLines := newLineCollector(true, max(b.errorStderrLines, b.warnLogLines))

	wg := sync.WaitGroup{}
	wg.Add(2)
	go readLines(&wg, stdoutPipe, b.stdoutLogLevel, b.stdoutCallback, stdoutLines)
	go readLines(&wg, stderrPipe, b.stderrLogLevel, b.stderrCallback, stderrLines)
	wg.Wait()

	err = cmd.Wait()
	stdout := stdoutLines.String()
	stderr := stderrLines.String()
	if err == nil {
		return stdout, stderr, nil
	}

	if b.warnLogLines > 0 {
		for _, line := range stdoutLines.Tail(b.warnLogLines) {
			logger.Log.Warn(line)
		}
		for _, line := range stderrLines.Tail(b.warnLogLines) {
			logger.Log.Warn(line)
		}
	}

	var exitErr *exec.ExitError
	if b.errorStderrLines > 0 && errors.As(err, &exitErr) {
		tail := stderrLines.Tail(b.errorStderrLines)
		if len(tail) > 0 {
			err = fmt.Errorf("%w:\n%s", err, strings.Join(tail, "\n"))
		}
	}

	return stdout, stderr, fmt.Errorf("%s failed:\n%w", b.program, err)
}

func readLines(wg *sync.WaitGroup, pipe io.Reader, level logrus.Level, callback func(string),
	collector *lineCollector,
) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if level != LogDisabledLevel {
			logger.Log.Log(level, line)
		}
		if callback != nil {
			callback(line)
		}
		collector.Add(line)
	}
}

// lineCollector keeps either every line or only the last keepTail lines.
type lineCollector struct {
	keepAll  bool
	keepTail int
	lines    []string
}

func newLineCollector(keepAll bool, keepTail int) *lineCollector {
	return &lineCollector{keepAll: keepAll, keepTail: keepTail}
}

func (c *lineCollector) Add(line string) {
	if !c.keepAll && c.keepTail <= 0 {
		return
	}

	c.lines = append(c.lines, line)
	if !c.keepAll && len(c.lines) > c.keepTail {
		c.lines = c.lines[len(c.lines)-c.keepTail:]
	}
}

func (c *lineCollector) Tail(count int) []string {
	if count >= len(c.lines) {
		return c.lines
	}
	return c.lines[len(c.lines)-count:]
}

func (c *lineCollector) String() string {
	if len(c.lines) == 0 {
		return ""
	}
	return strings.Join(c.lines, "\n") + "\n"
}
