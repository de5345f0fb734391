// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package processes

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
)

var (
	// Example:
	//     revision: 4.93.2
	lsofVersionRegexp = regexp.MustCompile(`(?m)^\s*revision:\s+(\d+)\.(\d+)\.\d+\s*$`)
)

type ProcessRecord struct {
	ProcessId   int
	ProcessName string
}

func (r ProcessRecord) String() string {
	return fmt.Sprintf("%s(%d)", r.ProcessName, r.ProcessId)
}

// GetProcessesUsingPath returns the processes that have a file open under path, e.g. a mount point that
// refuses to unmount.
func GetProcessesUsingPath(ctx context.Context, host hostcap.Host, path string) ([]ProcessRecord, error) {
	lsofVersionMajor, lsofVersionMinor, err := getLsofVersion(ctx, host)
	if err != nil {
		return nil, err
	}

	qArgAvailable := lsofVersionMajor > 4 || (lsofVersionMajor == 4 && lsofVersionMinor >= 95)

	args := []string(nil)
	if qArgAvailable {
		args = append(args, "-Q")
	}

	args = append(args, "-F", "pc", "--", path)

	stdout, _, err := host.Execute(ctx, "lsof", args...)
	if err != nil {
		if !qArgAvailable {
			// Without -Q, lsof also fails when nothing matched.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list processes using path (%s):\n%w", path, err)
	}

	return parseLsofFields(stdout)
}

// parseLsofFields reads lsof's -F output: one field per line, prefixed by its field letter.
func parseLsofFields(stdout string) ([]ProcessRecord, error) {
	records := []ProcessRecord(nil)
	record := ProcessRecord{
		ProcessId: -1,
	}

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) <= 0 {
			continue
		}

		value := line[1:]
		switch line[0] {
		case 'p':
			if record.ProcessId >= 0 {
				records = append(records, record)
			}

			pid, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse process ID string (%s):\n%w", value, err)
			}

			record = ProcessRecord{ProcessId: pid}

		case 'c':
			record.ProcessName = value
		}
	}

	if record.ProcessId >= 0 {
		records = append(records, record)
	}

	return records, nil
}

func getLsofVersion(ctx context.Context, host hostcap.Host) (int, int, error) {
	_, stderr, err := host.Execute(ctx, "lsof", "-v")
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get lsof's version:\n%w", err)
	}

	match := lsofVersionRegexp.FindStringSubmatch(stderr)
	if match == nil {
		return 0, 0, fmt.Errorf("failed to parse lsof version string")
	}

	major, _ := strconv.Atoi(match[1])
	minor, _ := strconv.Atoi(match[2])

	return major, minor, nil
}
