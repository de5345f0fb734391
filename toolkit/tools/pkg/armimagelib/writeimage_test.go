// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/microsoft/arm-image-installer/toolkit/tools/armimageapi"
	"github.com/microsoft/arm-image-installer/toolkit/tools/imagegen/diskutils"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// newTestImage returns a raw disk image with an MBR signature and a recognizable pattern.
func newTestImage(size int) []byte {
	image := make([]byte, size)
	for i := mbrSectorSize; i < size; i++ {
		image[i] = byte(i % 251)
	}
	copy(image[mbrSignatureOffset:], mbrSignature)
	return image
}

func compressTestImage(t *testing.T, image []byte, compression armimageapi.CompressionType) []byte {
	buffer := bytes.Buffer{}

	var writer io.WriteCloser
	var err error
	switch compression {
	case armimageapi.CompressionTypeXz:
		writer, err = xz.NewWriter(&buffer)
	case armimageapi.CompressionTypeZstd:
		writer, err = zstd.NewWriter(&buffer)
	case armimageapi.CompressionTypeGzip:
		writer = pgzip.NewWriter(&buffer)
	default:
		return image
	}
	require.NoError(t, err)

	_, err = writer.Write(image)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return buffer.Bytes()
}

func writeTestSource(t *testing.T, dir string, name string, content []byte) armimageapi.ImageSource {
	sourcePath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(sourcePath, content, 0o644))

	source, err := armimageapi.ImageSource{Path: sourcePath}.Resolve()
	require.NoError(t, err)
	return source
}

func TestWriteImageCompressionTypes(t *testing.T) {
	tests := []struct {
		name        string
		compression armimageapi.CompressionType
	}{
		{"Fedora-Minimal-42.aarch64.raw", armimageapi.CompressionTypeNone},
		{"Fedora-Minimal-42.aarch64.raw.xz", armimageapi.CompressionTypeXz},
		{"Fedora-Minimal-42.aarch64.raw.zst", armimageapi.CompressionTypeZstd},
		{"Fedora-Minimal-42.aarch64.raw.gz", armimageapi.CompressionTypeGzip},
	}

	image := newTestImage(3*diskutils.MiB + 123)

	for _, test := range tests {
		t.Run(string(test.compression), func(t *testing.T) {
			tmpDir := t.TempDir()
			source := writeTestSource(t, tmpDir, test.name, compressTestImage(t, image, test.compression))
			require.Equal(t, test.compression, source.Compression)

			target := ResolvedMedia{
				Path: filepath.Join(tmpDir, "disk.raw"),
				Size: armimageapi.MediaSize(8 * diskutils.MiB),
			}

			result, err := WriteImage(context.Background(), source, target)
			require.NoError(t, err)
			assert.Equal(t, uint64(len(image)), result.BytesWritten)
			assert.Equal(t, uint64(8*diskutils.MiB), result.TargetSize)
			assert.Equal(t, writeModeProgress, result.Mode)

			written, err := os.ReadFile(target.Path)
			require.NoError(t, err)
			require.Len(t, written, 8*diskutils.MiB)
			assert.True(t, bytes.Equal(image, written[:len(image)]))
		})
	}
}

func TestWriteImageExistingFileNotTruncated(t *testing.T) {
	tmpDir := t.TempDir()
	image := newTestImage(diskutils.MiB)
	source := writeTestSource(t, tmpDir, "image.raw", image)

	targetPath := filepath.Join(tmpDir, "disk.raw")
	existing := bytes.Repeat([]byte{0xEE}, 4*diskutils.MiB)
	require.NoError(t, os.WriteFile(targetPath, existing, 0o600))

	result, err := WriteImage(context.Background(), source, ResolvedMedia{Path: targetPath, Exists: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(4*diskutils.MiB), result.TargetSize)

	written, err := os.ReadFile(targetPath)
	require.NoError(t, err)
	require.Len(t, written, 4*diskutils.MiB)
	assert.True(t, bytes.Equal(image, written[:len(image)]))
	assert.True(t, bytes.Equal(existing[len(image):], written[len(image):]))

	info, err := os.Stat(targetPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteImageMissingSignature(t *testing.T) {
	tmpDir := t.TempDir()
	image := newTestImage(diskutils.MiB)
	image[mbrSignatureOffset] = 0
	source := writeTestSource(t, tmpDir, "image.img", image)

	_, err := WriteImage(context.Background(), source, ResolvedMedia{
		Path: filepath.Join(tmpDir, "disk.raw"),
		Size: armimageapi.MediaSize(2 * diskutils.MiB),
	})
	assert.ErrorIs(t, err, ErrWriteVerify)
	assert.ErrorIs(t, err, WriteError)
}

func TestWriteImageCorruptSourceRetriesOnce(t *testing.T) {
	tmpDir := t.TempDir()
	source := writeTestSource(t, tmpDir, "image.raw.xz", []byte("definitely not xz"))

	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	_, err := WriteImage(context.Background(), source, ResolvedMedia{
		Path: filepath.Join(tmpDir, "disk.raw"),
		Size: armimageapi.MediaSize(2 * diskutils.MiB),
	})
	assert.ErrorIs(t, err, ErrWriteDecompress)
	assert.Equal(t, []string{"Write:Decompress"}, ErrorNames(err))
	assert.True(t, logs.ContainsMessage(logrus.WarnLevel, "Image write failed, retrying without progress reporting"))
}

func TestWriteImageCancelled(t *testing.T) {
	tmpDir := t.TempDir()
	source := writeTestSource(t, tmpDir, "image.raw", newTestImage(diskutils.MiB))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logs := logMessagesHook.AddSubHook()
	defer logs.Close()

	_, err := WriteImage(ctx, source, ResolvedMedia{
		Path: filepath.Join(tmpDir, "disk.raw"),
		Size: armimageapi.MediaSize(2 * diskutils.MiB),
	})
	assert.ErrorIs(t, err, ErrWriteCopy)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, logs.ContainsMessage(logrus.WarnLevel, "Image write failed, retrying without progress reporting"))
}

func TestWriteImageTargetIsDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	source := writeTestSource(t, tmpDir, "image.raw", newTestImage(diskutils.MiB))

	_, err := WriteImage(context.Background(), source, ResolvedMedia{Path: tmpDir, Exists: true})
	assert.ErrorIs(t, err, ErrWriteOpenTarget)
}

func TestVerifyWrittenImageTooSmall(t *testing.T) {
	targetPath := filepath.Join(t.TempDir(), "disk.raw")
	require.NoError(t, os.WriteFile(targetPath, newTestImage(diskutils.MiB), 0o644))

	_, err := verifyWrittenImage(targetPath, 2*diskutils.MiB)
	assert.ErrorIs(t, err, ErrWriteTargetTooSmall)

	size, err := verifyWrittenImage(targetPath, diskutils.MiB)
	require.NoError(t, err)
	assert.Equal(t, uint64(diskutils.MiB), size)
}
