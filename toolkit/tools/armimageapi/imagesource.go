// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
)

// ImageSource is the OS image to write.
type ImageSource struct {
	Path        string          `yaml:"path" json:"path,omitempty"`
	Family      ImageFamily     `yaml:"family" json:"family,omitempty"`
	Compression CompressionType `yaml:"compression" json:"compression,omitempty"`
}

func (i *ImageSource) IsValid() error {
	err := i.Family.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'family' value:\n%w", err)
	}

	err = i.Compression.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'compression' value:\n%w", err)
	}

	if i.Path != "" && i.Compression == CompressionTypeDefault {
		_, err = InferCompressionType(i.Path)
		if err != nil {
			return fmt.Errorf("invalid 'path' value:\n%w", err)
		}
	}

	return nil
}

// Resolve fills in the family and compression from the file name when they are not set.
func (i ImageSource) Resolve() (ImageSource, error) {
	if i.Path == "" {
		return ImageSource{}, fmt.Errorf("image path must be specified")
	}

	if i.Family == ImageFamilyDefault {
		i.Family = InferImageFamily(i.Path)
	}

	if i.Compression == CompressionTypeDefault {
		compression, err := InferCompressionType(i.Path)
		if err != nil {
			return ImageSource{}, err
		}
		i.Compression = compression
	}

	return i, nil
}
