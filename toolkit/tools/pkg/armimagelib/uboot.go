// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/file"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/hostcap"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrBootloaderNotFound = NewArmImageError(CustomizationError, "Bootloader:NotFound",
		"U-Boot binary not found")
	ErrBootloaderWrite = NewArmImageError(CustomizationError, "Bootloader:Write",
		"failed to write U-Boot to media")
)

const (
	ubootDirInImage  = "usr/share/uboot"
	defaultUbootHost = "/usr/share/uboot"
)

// BootloaderInstaller installs the board's bootloader onto freshly written media.
// rootDir is the (deployment) root of the mounted OS. bootDir is empty when the image has no boot partition.
type BootloaderInstaller interface {
	InstallBootloader(ctx context.Context, board Board, mediaPath string, rootDir string, bootDir string) error
}

// UbootInstaller writes U-Boot to the raw media at the board's offset.
type UbootInstaller struct {
	host hostcap.Host
	// Fallback directory searched when the image doesn't carry the binary.
	hostUbootDir string
}

var _ BootloaderInstaller = (*UbootInstaller)(nil)

func NewUbootInstaller(host hostcap.Host) *UbootInstaller {
	return &UbootInstaller{
		host:         host,
		hostUbootDir: defaultUbootHost,
	}
}

func (u *UbootInstaller) InstallBootloader(ctx context.Context, board Board, mediaPath string, rootDir string,
	bootDir string,
) error {
	if board.Uboot == nil {
		logger.Log.Debugf("Board (%s) does not need U-Boot on the media", board.Name)
		return nil
	}

	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "install_bootloader")
	span.SetAttributes(
		attribute.String("board", board.Name),
	)
	defer span.End()

	ubootPath, err := u.findUboot(board, rootDir)
	if err != nil {
		return err
	}

	logger.Log.Infof("Writing U-Boot (%s) to (%s) at %d KiB", ubootPath, mediaPath, board.Uboot.SeekKiB)

	// notrunc keeps dd from truncating disk files.
	_, stderr, err := u.host.Execute(ctx, "dd", "if="+ubootPath, "of="+mediaPath, "bs=1024",
		"seek="+strconv.Itoa(board.Uboot.SeekKiB), "conv=notrunc,fsync")
	if err != nil {
		return fmt.Errorf("%w (board='%s', path='%s'):\n%v\n%w", ErrBootloaderWrite, board.Name, ubootPath, stderr,
			err)
	}

	return nil
}

// findUboot prefers the binary shipped in the image over the host's.
func (u *UbootInstaller) findUboot(board Board, rootDir string) (string, error) {
	candidates := []string{
		filepath.Join(rootDir, ubootDirInImage, board.Name, board.Uboot.FileName),
		filepath.Join(u.hostUbootDir, board.Name, board.Uboot.FileName),
	}

	for _, candidate := range candidates {
		isFile, err := file.IsFile(candidate)
		if err != nil {
			return "", fmt.Errorf("%w (path='%s'):\n%w", ErrBootloaderNotFound, candidate, err)
		}
		if isFile {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (board='%s'): looked in (%s) and (%s): install it with 'dnf install uboot-images-armv8'",
		ErrBootloaderNotFound, board.Name, candidates[0], candidates[1])
}
