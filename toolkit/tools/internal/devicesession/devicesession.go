// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package devicesession tracks every host resource acquired while working on target media (loop
// binding, volume group activation, mounts) and releases them in reverse order exactly once.
package devicesession

import (
	"context"
	"errors"
	"fmt"

	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/safeloopback"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/safemount"
)

type State int

const (
	Unbound State = iota
	DeviceBound
	Mounted
	Unmounting
	DeviceUnbound
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case DeviceBound:
		return "device-bound"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case DeviceUnbound:
		return "device-unbound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrDeviceInUse    = errors.New("device is in use")
	ErrInvalidState   = errors.New("invalid session state")
	ErrNotMountedHere = errors.New("mount point is not owned by the session")
)

type releaseAction struct {
	name    string
	release func(ctx context.Context) error
}

// Session owns the device binding and mounts of one provisioning run.
type Session struct {
	host       hostcap.Host
	ctx        context.Context
	state      State
	devicePath string
	loopback   *safeloopback.Loopback
	releases   []releaseAction
	mounts     map[string]*safemount.Mount
}

// New creates an unbound session. Releases run with ctx's values but never with its cancellation.
func New(ctx context.Context, host hostcap.Host) *Session {
	return &Session{
		host:   host,
		ctx:    context.WithoutCancel(ctx),
		state:  Unbound,
		mounts: make(map[string]*safemount.Mount),
	}
}

func (s *Session) State() State {
	return s.state
}

// DevicePath is the whole-disk device the session is bound to.
func (s *Session) DevicePath() string {
	return s.devicePath
}

func (s *Session) IsLoopback() bool {
	return s.loopback != nil
}

// BindFile attaches a disk image file to a loop device.
func (s *Session) BindFile(ctx context.Context, diskFilePath string) (string, error) {
	err := s.expectState("bind file", Unbound)
	if err != nil {
		return "", err
	}

	loopback, err := safeloopback.NewLoopback(ctx, s.host, diskFilePath)
	if err != nil {
		return "", err
	}

	s.loopback = loopback
	s.devicePath = loopback.DevicePath()
	s.push("loopback:"+s.devicePath, func(context.Context) error {
		return loopback.CleanClose()
	})
	s.state = DeviceBound

	return s.devicePath, nil
}

// UseBlockDevice binds the session to a block device. The device must not be mounted and must not
// be held open exclusively by anyone else.
func (s *Session) UseBlockDevice(devicePath string) error {
	err := s.expectState("use block device", Unbound)
	if err != nil {
		return err
	}

	mountPoints, err := s.host.MountPointsForDevice(devicePath)
	if err != nil {
		return fmt.Errorf("failed to check mounts of device (%s):\n%w", devicePath, err)
	}

	if len(mountPoints) > 0 {
		return fmt.Errorf("%w (device='%s', mounted at '%s')", ErrDeviceInUse, devicePath, mountPoints[0])
	}

	err = s.host.CheckExclusive(devicePath)
	if err != nil {
		return fmt.Errorf("%w (device='%s'):\n%w", ErrDeviceInUse, devicePath, err)
	}

	s.devicePath = devicePath
	s.state = DeviceBound
	return nil
}

// ActivateVolumeGroup activates an LVM volume group. It is deactivated on close.
func (s *Session) ActivateVolumeGroup(ctx context.Context, volumeGroup string) error {
	err := s.expectState("activate volume group", DeviceBound, Mounted)
	if err != nil {
		return err
	}

	err = diskutils.ActivateVolumeGroup(ctx, s.host, volumeGroup)
	if err != nil {
		return err
	}

	s.push("vg:"+volumeGroup, func(ctx context.Context) error {
		return diskutils.DeactivateVolumeGroup(ctx, s.host, volumeGroup)
	})
	return nil
}

// Mount mounts source at target, creating target if needed.
func (s *Session) Mount(source string, target string, fstype string, flags uintptr, data string,
) (*safemount.Mount, error) {
	err := s.expectState("mount", DeviceBound, Mounted)
	if err != nil {
		return nil, err
	}

	mount, err := safemount.NewMount(s.host, source, target, fstype, flags, data, true)
	if err != nil {
		return nil, err
	}

	s.mounts[target] = mount
	s.push(mountActionName(target), func(context.Context) error {
		err := mount.CleanClose()
		if err != nil {
			return err
		}
		delete(s.mounts, target)
		return nil
	})
	s.state = Mounted

	return mount, nil
}

// Unmount releases one of the session's mounts before the session is closed.
func (s *Session) Unmount(target string) error {
	if _, found := s.mounts[target]; !found {
		return fmt.Errorf("%w (%s)", ErrNotMountedHere, target)
	}

	name := mountActionName(target)
	for i := len(s.releases) - 1; i >= 0; i-- {
		if s.releases[i].name != name {
			continue
		}

		err := s.releases[i].release(s.ctx)
		if err != nil {
			return err
		}

		s.releases = append(s.releases[:i], s.releases[i+1:]...)
		return nil
	}

	return fmt.Errorf("%w (%s)", ErrNotMountedHere, target)
}

// MountFor returns the session's mount at target, if any.
func (s *Session) MountFor(target string) (*safemount.Mount, bool) {
	mount, found := s.mounts[target]
	return mount, found
}

// Close releases everything in reverse order and logs any error.
func (s *Session) Close() {
	err := s.unwind()
	if err != nil {
		logger.Log.Warnf("Failed to release device session:\n%v", err)
	}
}

// CleanClose releases everything in reverse order and returns the errors.
func (s *Session) CleanClose() error {
	return s.unwind()
}

func (s *Session) unwind() error {
	if s.state == DeviceUnbound || s.state == Unmounting {
		return nil
	}

	if s.state == Unbound {
		s.state = DeviceUnbound
		return nil
	}

	s.state = Unmounting

	errs := []error(nil)
	for i := len(s.releases) - 1; i >= 0; i-- {
		action := s.releases[i]
		logger.Log.Debugf("Releasing (%s)", action.name)

		err := action.release(s.ctx)
		if err != nil {
			// Keep going so that one stuck resource doesn't leak the rest.
			errs = append(errs, fmt.Errorf("failed to release (%s):\n%w", action.name, err))
		}
	}

	s.releases = nil
	s.state = DeviceUnbound
	return errors.Join(errs...)
}

func (s *Session) push(name string, release func(ctx context.Context) error) {
	s.releases = append(s.releases, releaseAction{name: name, release: release})
}

func (s *Session) expectState(operation string, allowed ...State) error {
	for _, state := range allowed {
		if s.state == state {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s in state (%s)", ErrInvalidState, operation, s.state)
}

func mountActionName(target string) string {
	return "mount:" + target
}
