// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

type CompressionType string

const (
	CompressionTypeDefault CompressionType = ""
	CompressionTypeNone    CompressionType = "none"
	CompressionTypeXz      CompressionType = "xz"
	CompressionTypeZstd    CompressionType = "zstd"
	CompressionTypeGzip    CompressionType = "gzip"
)

var supportedCompressionTypes = []string{
	string(CompressionTypeNone),
	string(CompressionTypeXz),
	string(CompressionTypeZstd),
	string(CompressionTypeGzip),
}

func (c CompressionType) IsValid() error {
	if c != CompressionTypeDefault && !slices.Contains(supportedCompressionTypes, string(c)) {
		return fmt.Errorf("invalid compression type (%s)", c)
	}

	return nil
}

func SupportedCompressionTypes() []string {
	return supportedCompressionTypes
}

// InferCompressionType derives the compression from the image file's extension.
// Files with no extension or a .raw/.img extension are uncompressed.
func InferCompressionType(imagePath string) (CompressionType, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(imagePath)))
	switch ext {
	case ".xz":
		return CompressionTypeXz, nil
	case ".zst", ".zstd":
		return CompressionTypeZstd, nil
	case ".gz":
		return CompressionTypeGzip, nil
	case "", ".raw", ".img":
		return CompressionTypeNone, nil
	default:
		return CompressionTypeDefault, fmt.Errorf("unsupported image format (%s): expected a raw image, optionally compressed with xz, zstd or gzip",
			ext)
	}
}
