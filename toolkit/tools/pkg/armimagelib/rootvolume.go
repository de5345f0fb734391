// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/devicesession"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

var (
	ErrLvmPhysicalVolume = NewArmImageError(LvmResolutionError, "Lvm:PhysicalVolume", "failed to find volume group of root partition")
	ErrLvmActivate       = NewArmImageError(LvmResolutionError, "Lvm:Activate", "failed to activate volume group")
	ErrLvmLogicalVolume  = NewArmImageError(LvmResolutionError, "Lvm:LogicalVolume", "failed to resolve root logical volume")
	ErrLvmInspect        = NewArmImageError(LvmResolutionError, "Lvm:Inspect", "failed to inspect root logical volume")
	ErrMountRootReadOnly = NewArmImageError(MountError, "Mount:RootReadOnly", "failed to mount root filesystem read-only")
	ErrUnmountRoot       = NewArmImageError(MountError, "Mount:UnmountRoot", "failed to unmount root filesystem")
	ErrOstreeScan        = NewArmImageError(AmbiguousDeploymentError, "Ostree:Scan", "failed to scan OSTree deployments")
	ErrOstreeNoDeploy    = NewArmImageError(AmbiguousDeploymentError, "Ostree:NoDeployment", "OSTree repository has no deployment")
	ErrOstreeManyDeploys = NewArmImageError(AmbiguousDeploymentError, "Ostree:MultipleDeployments", "OSTree repository has more than one deployment")
)

const (
	lvmRootVolumeName = "root"

	ostreeDir            = "ostree"
	ostreeDeployDir      = "ostree/deploy"
	ostreeDeploymentGlob = "ostree/deploy/*/deploy/*.0"
)

var ostreeDeploymentMatcher = glob.MustCompile(ostreeDeploymentGlob, '/')

type RootVolumeKind string

const (
	RootVolumeKindPlain  RootVolumeKind = "plain"
	RootVolumeKindLvm    RootVolumeKind = "lvm"
	RootVolumeKindOstree RootVolumeKind = "ostree"
)

// RootVolume is where the image's root filesystem lives. It is one of PlainPartition, LvmLogicalVolume or
// OstreeDeployment.
type RootVolume interface {
	Kind() RootVolumeKind
	// BlockDevice is the device holding the root filesystem.
	BlockDevice() string
	// PartitionNumber is the number of the partition that has to grow for the root filesystem to grow.
	PartitionNumber() int
	FileSystemType() string
}

// PlainPartition is a root filesystem directly on a partition.
type PlainPartition struct {
	Partition Partition
}

func (p *PlainPartition) Kind() RootVolumeKind   { return RootVolumeKindPlain }
func (p *PlainPartition) BlockDevice() string    { return p.Partition.DevicePath }
func (p *PlainPartition) PartitionNumber() int   { return p.Partition.Number }
func (p *PlainPartition) FileSystemType() string { return p.Partition.FileSystemType }

// LvmLogicalVolume is a root filesystem on a logical volume whose volume group sits on a partition.
type LvmLogicalVolume struct {
	Partition      Partition
	VolumeGroup    string
	LogicalVolume  string
	DevicePath     string
	FileSystemKind string
}

func (l *LvmLogicalVolume) Kind() RootVolumeKind   { return RootVolumeKindLvm }
func (l *LvmLogicalVolume) BlockDevice() string    { return l.DevicePath }
func (l *LvmLogicalVolume) PartitionNumber() int   { return l.Partition.Number }
func (l *LvmLogicalVolume) FileSystemType() string { return l.FileSystemKind }

// OstreeDeployment is an OSTree system root on either a plain partition or a logical volume.
type OstreeDeployment struct {
	Base      RootVolume
	StateRoot string
	// Relative to the root of the filesystem. e.g. ostree/deploy/fedora-iot/deploy/<checksum>.0
	DeploymentDir string
}

func (o *OstreeDeployment) Kind() RootVolumeKind   { return RootVolumeKindOstree }
func (o *OstreeDeployment) BlockDevice() string    { return o.Base.BlockDevice() }
func (o *OstreeDeployment) PartitionNumber() int   { return o.Base.PartitionNumber() }
func (o *OstreeDeployment) FileSystemType() string { return o.Base.FileSystemType() }

// DeploymentRoot returns the directory that is "/" of the installed OS, given where the root filesystem is mounted.
func DeploymentRoot(rootVolume RootVolume, rootMountDir string) string {
	switch volume := rootVolume.(type) {
	case *OstreeDeployment:
		return filepath.Join(rootMountDir, volume.DeploymentDir)
	default:
		return rootMountDir
	}
}

// RootHomeDir returns root's home directory, given where the root filesystem is mounted.
func RootHomeDir(rootVolume RootVolume, rootMountDir string, family armimageapi.ImageFamily) (string, error) {
	switch volume := rootVolume.(type) {
	case *OstreeDeployment:
		return filepath.Join(rootMountDir, ostreeDeployDir, volume.StateRoot, "var/roothome"), nil
	}

	if family == armimageapi.ImageFamilyIot {
		varHome := filepath.Join(rootMountDir, "var/home")
		exists, err := file.DirExists(varHome)
		if err != nil {
			return "", err
		}
		if exists {
			return filepath.Join(varHome, "root"), nil
		}
	}

	return filepath.Join(rootMountDir, "root"), nil
}

// DetectRootVolume resolves the root volume of a written image. LVM volume groups are activated through the
// session and stay active until the session closes. The root filesystem is mounted read-only at mountDir
// to look for an OSTree repository, and unmounted again before returning.
func DetectRootVolume(ctx context.Context, host hostcap.Host, session *devicesession.Session,
	layout *PartitionLayout, mountDir string,
) (rootVolume RootVolume, err error) {
	ctx, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "detect_root_volume")
	defer func() {
		if rootVolume != nil {
			span.SetAttributes(attribute.String("root_volume_kind", string(rootVolume.Kind())))
		}
		span.End()
	}()

	root := layout.Root()

	var baseVolume RootVolume
	if root.FileSystemType == diskutils.FileSystemTypeLvmMember {
		baseVolume, err = resolveLvmRoot(ctx, host, session, root)
		if err != nil {
			return nil, err
		}
	} else {
		baseVolume = &PlainPartition{Partition: root}
	}

	ostreeDeployment, err := findOstreeDeployment(session, baseVolume, mountDir)
	if err != nil {
		return nil, err
	}
	if ostreeDeployment != nil {
		rootVolume = ostreeDeployment
	} else {
		rootVolume = baseVolume
	}

	logger.Log.Infof("Root volume: %s on (%s)", rootVolume.Kind(), rootVolume.BlockDevice())

	return rootVolume, nil
}

func resolveLvmRoot(ctx context.Context, host hostcap.Host, session *devicesession.Session, root Partition,
) (*LvmLogicalVolume, error) {
	volumeGroup, err := diskutils.GetPhysicalVolumeGroup(ctx, host, root.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("%w (partition='%s'):\n%w", ErrLvmPhysicalVolume, root.DevicePath, err)
	}

	err = session.ActivateVolumeGroup(ctx, volumeGroup)
	if err != nil {
		return nil, fmt.Errorf("%w (vg='%s'):\n%w", ErrLvmActivate, volumeGroup, err)
	}

	logicalVolumes, err := diskutils.ListLogicalVolumes(ctx, host, volumeGroup)
	if err != nil {
		return nil, fmt.Errorf("%w (vg='%s'):\n%w", ErrLvmLogicalVolume, volumeGroup, err)
	}

	logicalVolume, err := selectRootLogicalVolume(volumeGroup, logicalVolumes)
	if err != nil {
		return nil, err
	}

	devicePath := diskutils.LogicalVolumeDevPath(logicalVolume)

	fsType, err := diskutils.ReadDeviceTag(ctx, host, devicePath, "TYPE")
	if err != nil {
		return nil, fmt.Errorf("%w (lv='%s'):\n%w", ErrLvmInspect, devicePath, err)
	}
	if fsType == "" {
		return nil, fmt.Errorf("%w (lv='%s'): no filesystem found", ErrLvmInspect, devicePath)
	}

	logger.Log.Debugf("Root logical volume (%s), filesystem (%s)", devicePath, fsType)

	return &LvmLogicalVolume{
		Partition:      root,
		VolumeGroup:    volumeGroup,
		LogicalVolume:  logicalVolume.Name,
		DevicePath:     devicePath,
		FileSystemKind: fsType,
	}, nil
}

// selectRootLogicalVolume picks the volume named "root", or the only volume of the group.
func selectRootLogicalVolume(volumeGroup string, logicalVolumes []diskutils.LogicalVolume,
) (diskutils.LogicalVolume, error) {
	for _, logicalVolume := range logicalVolumes {
		if logicalVolume.Name == lvmRootVolumeName {
			return logicalVolume, nil
		}
	}

	if len(logicalVolumes) == 1 {
		return logicalVolumes[0], nil
	}

	return diskutils.LogicalVolume{}, fmt.Errorf("%w (vg='%s'): found (%d) logical volumes and none is named '%s'",
		ErrLvmLogicalVolume, volumeGroup, len(logicalVolumes), lvmRootVolumeName)
}

func findOstreeDeployment(session *devicesession.Session, baseVolume RootVolume, mountDir string,
) (deployment *OstreeDeployment, err error) {
	_, err = session.Mount(baseVolume.BlockDevice(), mountDir, baseVolume.FileSystemType(), unix.MS_RDONLY, "")
	if err != nil {
		return nil, fmt.Errorf("%w (device='%s'):\n%w", ErrMountRootReadOnly, baseVolume.BlockDevice(), err)
	}
	defer func() {
		unmountErr := session.Unmount(mountDir)
		if unmountErr != nil && err == nil {
			deployment = nil
			err = fmt.Errorf("%w (path='%s'):\n%w", ErrUnmountRoot, mountDir, unmountErr)
		}
	}()

	isOstree, err := file.DirExists(filepath.Join(mountDir, ostreeDir))
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrOstreeScan, err)
	}
	if !isOstree {
		return nil, nil
	}

	deployments, err := listOstreeDeployments(mountDir)
	if err != nil {
		return nil, fmt.Errorf("%w:\n%w", ErrOstreeScan, err)
	}

	switch len(deployments) {
	case 0:
		return nil, fmt.Errorf("%w (path='%s')", ErrOstreeNoDeploy, ostreeDeploymentGlob)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %v", ErrOstreeManyDeploys, deployments)
	}

	// ostree/deploy/<stateroot>/deploy/<checksum>.0
	deploymentDir := deployments[0]
	stateRoot := path.Base(path.Dir(path.Dir(deploymentDir)))

	logger.Log.Infof("Found OSTree deployment (%s)", deploymentDir)

	return &OstreeDeployment{
		Base:          baseVolume,
		StateRoot:     stateRoot,
		DeploymentDir: deploymentDir,
	}, nil
}

// listOstreeDeployments returns the deployment directories under rootDir that match the deployment glob,
// relative to rootDir.
func listOstreeDeployments(rootDir string) ([]string, error) {
	stateRoots, err := readDirIfExists(filepath.Join(rootDir, ostreeDeployDir))
	if err != nil {
		return nil, err
	}

	deployments := []string(nil)
	for _, stateRoot := range stateRoots {
		if !stateRoot.IsDir() {
			continue
		}

		stateRootDeployDir := path.Join(ostreeDeployDir, stateRoot.Name(), "deploy")
		entries, err := readDirIfExists(filepath.Join(rootDir, stateRootDeployDir))
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			candidate := path.Join(stateRootDeployDir, entry.Name())
			if entry.IsDir() && ostreeDeploymentMatcher.Match(candidate) {
				deployments = append(deployments, candidate)
			}
		}
	}

	return deployments, nil
}

func readDirIfExists(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return entries, err
}
