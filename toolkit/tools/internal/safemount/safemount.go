// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package safemount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/processes"
	"golang.org/x/sys/unix"
)

const (
	unmountAttempts = 3
)

var unmountDelay = 500 * time.Millisecond

// Mount is a mount point that is guaranteed to be unmounted exactly once.
type Mount struct {
	host       hostcap.Host
	source     string
	target     string
	isMounted  bool
	dirCreated bool
}

// NewMount mounts source at target. When makeAndDeleteDir is set, a missing target directory is
// created and removed again on close.
func NewMount(host hostcap.Host, source string, target string, fstype string, flags uintptr, data string,
	makeAndDeleteDir bool,
) (*Mount, error) {
	var err error

	m := &Mount{
		host:   host,
		source: source,
		target: target,
	}

	err = m.newMountHelper(fstype, flags, data, makeAndDeleteDir)
	if err != nil {
		m.Close()
		return nil, err
	}

	return m, nil
}

func (m *Mount) newMountHelper(fstype string, flags uintptr, data string, makeAndDeleteDir bool) error {
	if makeAndDeleteDir {
		exists, err := file.DirExists(m.target)
		if err != nil {
			return fmt.Errorf("failed to check if mount directory (%s) exists:\n%w", m.target, err)
		}

		if !exists {
			err = os.MkdirAll(m.target, os.ModePerm)
			if err != nil {
				return fmt.Errorf("failed to create mount directory (%s):\n%w", m.target, err)
			}

			m.dirCreated = true
		}
	}

	err := m.host.Mount(m.source, m.target, fstype, flags, data)
	if err != nil {
		return fmt.Errorf("failed to mount (%s) to (%s):\n%w", m.source, m.target, err)
	}

	m.isMounted = true
	return nil
}

func (m *Mount) Source() string {
	return m.source
}

func (m *Mount) Target() string {
	return m.target
}

func (m *Mount) IsMounted() bool {
	return m.isMounted
}

// Close unmounts and logs any error.
func (m *Mount) Close() {
	err := m.close()
	if err != nil {
		logger.Log.Warnf("failed to close mount (%s):\n%v", m.target, err)
	}
}

// CleanClose unmounts and returns any error.
func (m *Mount) CleanClose() error {
	return m.close()
}

func (m *Mount) close() error {
	if m.isMounted {
		var err error
		for attempt := 1; ; attempt++ {
			err = m.host.Unmount(m.target, 0)
			if err == nil || !errors.Is(err, unix.EBUSY) || attempt >= unmountAttempts {
				break
			}

			logger.Log.Debugf("Mount (%s) is busy, retrying unmount", m.target)
			time.Sleep(unmountDelay)
		}
		if err != nil {
			if errors.Is(err, unix.EBUSY) {
				m.logBusyProcesses()
			}
			return fmt.Errorf("failed to unmount (%s):\n%w", m.target, err)
		}

		m.isMounted = false
	}

	if m.dirCreated {
		err := os.Remove(m.target)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete mount directory (%s):\n%w", m.target, err)
		}

		m.dirCreated = false
	}

	return nil
}

func (m *Mount) logBusyProcesses() {
	records, err := processes.GetProcessesUsingPath(context.Background(), m.host, m.target)
	if err != nil {
		logger.Log.Debugf("Failed to find processes using (%s):\n%v", m.target, err)
		return
	}

	for _, record := range records {
		logger.Log.Warnf("Process (%s) is using mount (%s)", record, m.target)
	}
}
