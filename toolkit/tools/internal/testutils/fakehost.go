// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
)

// FakeCommand is one program invocation seen by a FakeHost.
// flock wrappers are stripped, so Program is the locked command.
type FakeCommand struct {
	Program string
	Args    []string
	Stdin   string
}

func (c FakeCommand) String() string {
	return strings.TrimSpace(c.Program + " " + strings.Join(c.Args, " "))
}

type CommandHandler func(cmd FakeCommand) (stdout string, stderr string, err error)

type fakeHandler struct {
	prefix  string
	handler CommandHandler
}

// FakeHost is an in-memory hostcap.Host.
//
// It keeps enough state (loop bindings, mounts, active volume groups) to let tests assert that
// every resource acquired through it was released. Commands without a registered handler succeed
// with empty output.
type FakeHost struct {
	lock sync.Mutex

	commands    []FakeCommand
	handlers    []fakeHandler
	loopDevices map[string]string
	nextLoop    int
	mounts      map[string]string
	volumes     map[string]bool
	usage       map[string][]hostcap.FilesystemUsage
	busy        map[string]bool
	unmountErrs map[string]error
	backingDirs map[string]string

	// MountHook runs after a successful fake mount, e.g. to populate the target directory.
	MountHook func(source string, target string) error

	// RereadErr is returned by RereadPartitionTable when set.
	RereadErr   error
	RereadCount int
}

var _ hostcap.Host = (*FakeHost)(nil)

func NewFakeHost() *FakeHost {
	return &FakeHost{
		loopDevices: make(map[string]string),
		mounts:      make(map[string]string),
		volumes:     make(map[string]bool),
		usage:       make(map[string][]hostcap.FilesystemUsage),
		busy:        make(map[string]bool),
		unmountErrs: make(map[string]error),
		backingDirs: make(map[string]string),
	}
}

// On registers a handler for commands whose text starts with prefix (e.g. "sfdisk --dump").
// Later registrations take precedence.
func (h *FakeHost) On(prefix string, handler CommandHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.handlers = append(h.handlers, fakeHandler{prefix: prefix, handler: handler})
}

// OnOutput registers a fixed stdout for commands starting with prefix.
func (h *FakeHost) OnOutput(prefix string, stdout string) {
	h.On(prefix, func(FakeCommand) (string, string, error) {
		return stdout, "", nil
	})
}

// FailOn makes commands starting with prefix fail with err.
func (h *FakeHost) FailOn(prefix string, err error) {
	h.On(prefix, func(FakeCommand) (string, string, error) {
		return "", err.Error(), err
	})
}

// SetFilesystemUsage queues statfs results for a device. Each query pops one result; the last one
// is repeated.
func (h *FakeHost) SetFilesystemUsage(source string, usages ...hostcap.FilesystemUsage) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.usage[source] = usages
}

// SetBusy marks a device as held exclusively by another process.
func (h *FakeHost) SetBusy(devicePath string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.busy[devicePath] = true
}

// FailUnmount makes unmounting target fail with err. The mount stays in place.
func (h *FakeHost) FailUnmount(target string, err error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.unmountErrs[target] = err
}

// SetBackingDir gives a device persistent contents: mounting the device copies dir into the mount
// target and unmounting it copies the target back.
func (h *FakeHost) SetBackingDir(source string, dir string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.backingDirs[source] = dir
}

// AttachLoopDevice pretends a loop device is already bound to file, as if by another process.
func (h *FakeHost) AttachLoopDevice(devicePath string, backingFile string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.loopDevices[devicePath] = backingFile
}

func (h *FakeHost) Execute(ctx context.Context, program string, args ...string) (string, string, error) {
	return h.ExecuteWithStdin(ctx, "", program, args...)
}

func (h *FakeHost) ExecuteWithStdin(ctx context.Context, stdin string, program string, args ...string,
) (string, string, error) {
	err := ctx.Err()
	if err != nil {
		return "", "", err
	}

	cmd := unwrapFlock(FakeCommand{Program: program, Args: args, Stdin: stdin})

	h.lock.Lock()
	h.commands = append(h.commands, cmd)
	handler := h.findHandler(cmd.String())
	h.lock.Unlock()

	if handler != nil {
		return handler(cmd)
	}

	return h.builtin(cmd)
}

func (h *FakeHost) findHandler(commandLine string) CommandHandler {
	for i := len(h.handlers) - 1; i >= 0; i-- {
		if strings.HasPrefix(commandLine, h.handlers[i].prefix) {
			return h.handlers[i].handler
		}
	}
	return nil
}

// builtin simulates the commands whose side effects tests need to track.
func (h *FakeHost) builtin(cmd FakeCommand) (string, string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	args := cmd.Args
	switch {
	case cmd.Program == "losetup" && len(args) == 4 && args[0] == "--show" && args[1] == "-f":
		device := fmt.Sprintf("/dev/loop%d", h.nextLoop)
		h.nextLoop++
		h.loopDevices[device] = args[3]
		return device + "\n", "", nil

	case cmd.Program == "losetup" && len(args) == 2 && args[0] == "-d":
		_, found := h.loopDevices[args[1]]
		if !found {
			return "", "losetup: no such device", fmt.Errorf("losetup: %s: detach failed", args[1])
		}
		delete(h.loopDevices, args[1])
		return "", "", nil

	case cmd.Program == "losetup" && len(args) > 0 && args[0] == "--list":
		return h.loopListJson(), "", nil

	case cmd.Program == "vgchange" && len(args) == 2 && args[0] == "-ay":
		h.volumes[args[1]] = true
		return "", "", nil

	case cmd.Program == "vgchange" && len(args) == 2 && args[0] == "-an":
		delete(h.volumes, args[1])
		return "", "", nil
	}

	return "", "", nil
}

func (h *FakeHost) loopListJson() string {
	type loopDevice struct {
		Name        string `json:"name"`
		BackingFile string `json:"back-file"`
	}
	type loopList struct {
		Devices []loopDevice `json:"loopdevices"`
	}

	output := loopList{}
	for _, device := range sortedKeys(h.loopDevices) {
		output.Devices = append(output.Devices, loopDevice{Name: device, BackingFile: h.loopDevices[device]})
	}

	bytes, _ := json.Marshal(output)
	return string(bytes)
}

func (h *FakeHost) Mount(source string, target string, fstype string, flags uintptr, data string) error {
	h.lock.Lock()
	_, mounted := h.mounts[target]
	if !mounted {
		h.mounts[target] = source
	}
	hook := h.MountHook
	h.lock.Unlock()

	if mounted {
		return fmt.Errorf("failed to mount (%s) to (%s): target busy", source, target)
	}

	h.lock.Lock()
	backingDir, hasBackingDir := h.backingDirs[source]
	h.lock.Unlock()

	if hasBackingDir {
		err := copyTree(backingDir, target)
		if err != nil {
			h.lock.Lock()
			delete(h.mounts, target)
			h.lock.Unlock()
			return fmt.Errorf("failed to populate fake mount (%s):\n%w", target, err)
		}
	}

	if hook != nil {
		err := hook(source, target)
		if err != nil {
			h.lock.Lock()
			delete(h.mounts, target)
			h.lock.Unlock()
			return err
		}
	}

	return nil
}

func (h *FakeHost) Unmount(target string, flags int) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	err, hasErr := h.unmountErrs[target]
	if hasErr {
		return err
	}

	source, mounted := h.mounts[target]
	if !mounted {
		return fmt.Errorf("failed to unmount (%s): not mounted", target)
	}

	delete(h.mounts, target)

	backingDir, hasBackingDir := h.backingDirs[source]
	if hasBackingDir {
		err := os.RemoveAll(backingDir)
		if err == nil {
			err = copyTree(target, backingDir)
		}
		if err != nil {
			return fmt.Errorf("failed to persist fake mount (%s):\n%w", target, err)
		}
	}

	// Whatever the hook placed in the directory belonged to the mounted filesystem.
	entries, _ := os.ReadDir(target)
	for _, entry := range entries {
		os.RemoveAll(filepath.Join(target, entry.Name()))
	}

	return nil
}

func (h *FakeHost) IsMountPoint(path string) (bool, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	_, mounted := h.mounts[path]
	return mounted, nil
}

func (h *FakeHost) MountPointsForDevice(devicePath string) ([]string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	mountPoints := []string(nil)
	for _, target := range sortedKeys(h.mounts) {
		if hostcap.IsDeviceOrPartition(h.mounts[target], devicePath) {
			mountPoints = append(mountPoints, target)
		}
	}
	return mountPoints, nil
}

func (h *FakeHost) RereadPartitionTable(devicePath string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.RereadCount++
	return h.RereadErr
}

func (h *FakeHost) CheckExclusive(devicePath string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.busy[devicePath] {
		return fmt.Errorf("device (%s) is in use", devicePath)
	}
	return nil
}

func (h *FakeHost) FilesystemUsage(path string) (hostcap.FilesystemUsage, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	source, mounted := h.mounts[path]
	if !mounted {
		return hostcap.FilesystemUsage{}, fmt.Errorf("failed to statfs (%s): not mounted", path)
	}

	usages := h.usage[source]
	if len(usages) == 0 {
		return hostcap.FilesystemUsage{}, fmt.Errorf("no filesystem usage configured for (%s)", source)
	}

	usage := usages[0]
	if len(usages) > 1 {
		h.usage[source] = usages[1:]
	}
	return usage, nil
}

// Commands returns the command lines run so far.
func (h *FakeHost) Commands() []string {
	h.lock.Lock()
	defer h.lock.Unlock()

	lines := make([]string, 0, len(h.commands))
	for _, cmd := range h.commands {
		lines = append(lines, cmd.String())
	}
	return lines
}

// CommandsWithPrefix returns the commands whose text starts with prefix.
func (h *FakeHost) CommandsWithPrefix(prefix string) []FakeCommand {
	h.lock.Lock()
	defer h.lock.Unlock()

	matches := []FakeCommand(nil)
	for _, cmd := range h.commands {
		if strings.HasPrefix(cmd.String(), prefix) {
			matches = append(matches, cmd)
		}
	}
	return matches
}

func (h *FakeHost) ActiveLoopDevices() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return sortedKeys(h.loopDevices)
}

func (h *FakeHost) ActiveMounts() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return sortedKeys(h.mounts)
}

func (h *FakeHost) ActiveVolumeGroups() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return sortedKeys(h.volumes)
}

// unwrapFlock turns "flock [options] <lockfile> <program> <args...>" into "<program> <args...>".
func unwrapFlock(cmd FakeCommand) FakeCommand {
	if cmd.Program != "flock" {
		return cmd
	}

	args := cmd.Args
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		option := args[0]
		args = args[1:]
		if (option == "--timeout" || option == "-w") && len(args) > 0 {
			args = args[1:]
		}
	}

	// Lock file, then the program.
	if len(args) < 2 {
		return cmd
	}

	return FakeCommand{Program: args[1], Args: args[2:], Stdin: cmd.Stdin}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
