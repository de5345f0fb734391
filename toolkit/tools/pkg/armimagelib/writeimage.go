// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/installutils"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/ulikunitz/xz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

var (
	ErrWriteOpenSource     = NewArmImageError(WriteError, "Write:OpenSource", "failed to open source image")
	ErrWriteDecompress     = NewArmImageError(WriteError, "Write:Decompress", "failed to read compressed source image")
	ErrWriteOpenTarget     = NewArmImageError(WriteError, "Write:OpenTarget", "failed to open target media")
	ErrWriteCopy           = NewArmImageError(WriteError, "Write:Copy", "failed to write image to target media")
	ErrWriteVerify         = NewArmImageError(WriteError, "Write:Verify", "written media failed verification")
	ErrWriteNoSpace        = NewArmImageError(WriteError, "Write:NoSpace", "target media ran out of space")
	ErrWriteTargetTooSmall = NewArmImageError(WriteError, "Write:TargetTooSmall",
		"target media is smaller than the written image")
)

type writeMode string

const (
	// Large buffers and periodic progress logging.
	writeModeProgress writeMode = "progress"
	// Small buffers and no progress. Used to retry a failed progress-mode write.
	writeModePlain writeMode = "plain"

	progressModeBufferSize = 4 * diskutils.MiB
	plainModeBufferSize    = 1 * diskutils.MiB

	mbrSignatureOffset = 510
	mbrSectorSize      = 512

	targetFilePerm = 0o644
)

var mbrSignature = []byte{0x55, 0xAA}

// WriteResult describes a completed image write.
type WriteResult struct {
	BytesWritten uint64
	TargetSize   uint64
	Mode         writeMode
}

// WriteImage streams a (possibly compressed) image onto the target media, which is either a block device or
// a disk file. A file target that doesn't exist is created sparse with the media size. An existing file target
// is overwritten in place and never truncated.
//
// If the progress-mode write fails, it is retried once in plain mode. Only the retry's error is returned.
func WriteImage(ctx context.Context, source armimageapi.ImageSource, target ResolvedMedia) (result WriteResult,
	err error,
) {
	_, span := otel.GetTracerProvider().Tracer(OtelTracerName).Start(ctx, "write_image")
	span.SetAttributes(
		attribute.String("compression", string(source.Compression)),
		attribute.Bool("block_device", target.IsBlockDevice),
	)
	defer span.End()

	logger.Log.Infof("Writing image (%s) to (%s)", source.Path, target.Path)

	err = prepareTarget(target)
	if err != nil {
		return WriteResult{}, err
	}

	written, err := writeImageOnce(ctx, source, target, writeModeProgress)
	mode := writeModeProgress
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrWriteNoSpace) {
			return WriteResult{}, err
		}

		logger.Log.Warnf("Image write failed, retrying without progress reporting:\n%v", err)

		written, err = writeImageOnce(ctx, source, target, writeModePlain)
		mode = writeModePlain
		if err != nil {
			return WriteResult{}, err
		}
	}

	targetSize, err := verifyWrittenImage(target.Path, written)
	if err != nil {
		return WriteResult{}, err
	}

	span.SetAttributes(attribute.Int64("bytes_written", int64(written)))

	return WriteResult{
		BytesWritten: written,
		TargetSize:   targetSize,
		Mode:         mode,
	}, nil
}

func prepareTarget(target ResolvedMedia) error {
	if target.IsBlockDevice {
		return nil
	}

	exists, err := os.Stat(target.Path)
	if err == nil {
		if !exists.Mode().IsRegular() {
			return fmt.Errorf("%w (path='%s'): not a regular file", ErrWriteOpenTarget, target.Path)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w (path='%s'):\n%w", ErrWriteOpenTarget, target.Path, err)
	}

	logger.Log.Debugf("Creating sparse disk file (%s) of (%s)", target.Path, target.Size)

	err = diskutils.CreateSparseDisk(target.Path, target.Size.Bytes(), targetFilePerm)
	if err != nil {
		return fmt.Errorf("%w (path='%s'):\n%w", ErrWriteOpenTarget, target.Path, err)
	}

	return nil
}

func writeImageOnce(ctx context.Context, source armimageapi.ImageSource, target ResolvedMedia, mode writeMode,
) (uint64, error) {
	sourceFile, err := os.Open(source.Path)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteOpenSource, source.Path, err)
	}
	defer sourceFile.Close()

	reader, closeReader, err := newDecompressor(sourceFile, source.Compression)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteDecompress, source.Path, err)
	}
	defer closeReader()

	targetFile, err := os.OpenFile(target.Path, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteOpenTarget, target.Path, err)
	}
	defer targetFile.Close()

	bufferSize := plainModeBufferSize
	writer := io.Writer(targetFile)
	var progress *installutils.ProgressWriter
	if mode == writeModeProgress {
		bufferSize = progressModeBufferSize

		total := uint64(0)
		if source.Compression == armimageapi.CompressionTypeNone {
			stat, err := sourceFile.Stat()
			if err == nil {
				total = uint64(stat.Size())
			}
		}

		progress = installutils.NewProgressWriter("Writing image", total, installutils.DefaultProgressInterval)
		writer = io.MultiWriter(targetFile, progress)
	}

	logger.Log.Debugf("Copying image in %s mode", mode)

	written, err := io.CopyBuffer(writer, &contextReader{ctx: ctx, reader: reader}, make([]byte, bufferSize))
	if err != nil {
		return 0, classifyCopyError(err, target.Path)
	}

	err = targetFile.Sync()
	if err != nil {
		return 0, classifyCopyError(err, target.Path)
	}

	err = targetFile.Close()
	if err != nil {
		return 0, classifyCopyError(err, target.Path)
	}

	if progress != nil {
		progress.Finish()
	}

	return uint64(written), nil
}

func classifyCopyError(err error, targetPath string) error {
	if errors.Is(err, unix.ENOSPC) {
		return fmt.Errorf("%w (path='%s'):\n%w", ErrWriteNoSpace, targetPath, err)
	}
	return fmt.Errorf("%w (path='%s'):\n%w", ErrWriteCopy, targetPath, err)
}

// newDecompressor wraps the source stream with the decompressor of its compression type.
func newDecompressor(source io.Reader, compression armimageapi.CompressionType) (io.Reader, func(), error) {
	switch compression {
	case armimageapi.CompressionTypeXz:
		reader, err := xz.NewReader(bufio.NewReader(source))
		if err != nil {
			return nil, nil, err
		}
		return reader, func() {}, nil

	case armimageapi.CompressionTypeZstd:
		decoder, err := zstd.NewReader(source)
		if err != nil {
			return nil, nil, err
		}
		return decoder, decoder.Close, nil

	case armimageapi.CompressionTypeGzip:
		reader, err := pgzip.NewReader(source)
		if err != nil {
			return nil, nil, err
		}
		return reader, func() { reader.Close() }, nil

	case armimageapi.CompressionTypeNone:
		return source, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported compression type (%s)", compression)
	}
}

// verifyWrittenImage checks that the target holds at least the written bytes and starts with a partition
// table signature. Returns the target's size.
func verifyWrittenImage(targetPath string, written uint64) (uint64, error) {
	targetFile, err := os.Open(targetPath)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteVerify, targetPath, err)
	}
	defer targetFile.Close()

	// Seeking to the end works for both regular files and block devices.
	end, err := targetFile.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteVerify, targetPath, err)
	}

	targetSize := uint64(end)
	if targetSize == 0 || targetSize < written {
		return 0, fmt.Errorf("%w (path='%s'): size (%d), written (%d)", ErrWriteTargetTooSmall, targetPath,
			targetSize, written)
	}

	firstSector := make([]byte, mbrSectorSize)
	_, err = targetFile.ReadAt(firstSector, 0)
	if err != nil {
		return 0, fmt.Errorf("%w (path='%s'):\n%w", ErrWriteVerify, targetPath, err)
	}

	if !bytes.Equal(firstSector[mbrSignatureOffset:], mbrSignature) {
		return 0, fmt.Errorf("%w (path='%s'): missing partition table signature", ErrWriteVerify, targetPath)
	}

	return targetSize, nil
}

// contextReader stops a copy once the context is cancelled.
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	err := r.ctx.Err()
	if err != nil {
		return 0, err
	}
	return r.reader.Read(p)
}
