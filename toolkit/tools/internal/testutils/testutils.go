// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package testutils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"testing"
)

const (
	mbrSignatureOffset = 510
	sectorSize         = 512
)

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// GetImageFileType sniffs the format of a disk image file from its leading bytes.
func GetImageFileType(filePath string) (string, error) {
	file, err := os.OpenFile(filePath, os.O_RDONLY, 0)
	if err != nil {
		return "", err
	}
	defer file.Close()

	firstBytes := make([]byte, sectorSize)
	firstBytesCount, err := file.Read(firstBytes)
	if err != nil {
		return "", err
	}

	switch {
	case firstBytesCount >= len(xzMagic) && bytes.Equal(firstBytes[:len(xzMagic)], xzMagic):
		return "xz", nil

	case firstBytesCount >= 2 && firstBytes[0] == 0x1f && firstBytes[1] == 0x8b:
		return "gzip", nil

	case isZstFile(firstBytes):
		return "zst", nil

	// The MBR signature exists even on GPT formatted drives (protective MBR).
	case firstBytesCount >= sectorSize && bytes.Equal(firstBytes[mbrSignatureOffset:sectorSize], []byte{0x55, 0xAA}):
		return "raw", nil

	default:
		return "", fmt.Errorf("unknown file type: %s", filePath)
	}
}

func isZstFile(firstBytes []byte) bool {
	if len(firstBytes) < 4 {
		return false
	}

	magicNumber := binary.LittleEndian.Uint32(firstBytes[:4])

	// 0xFD2FB528 is a zst frame.
	// 0x184D2A50-0x184D2A5F are skippable ztd frames.
	return magicNumber == 0xFD2FB528 || (magicNumber >= 0x184D2A50 && magicNumber <= 0x184D2A5F)
}

// RawDiskImageBytes returns a fake raw disk image of the given size: an MBR signature followed by a
// repeating, position-dependent pattern so that truncated or shifted copies are detectable.
func RawDiskImageBytes(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	if size >= sectorSize {
		data[mbrSignatureOffset] = 0x55
		data[mbrSignatureOffset+1] = 0xAA
	}

	return data
}

// CheckSkipForRoot skips tests that need real devices, mounts or loop devices.
func CheckSkipForRoot(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Test must be run as root because it uses loop devices and mounts")
	}
}
