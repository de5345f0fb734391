// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"strings"
)

// TargetMedia is the block device or disk file the image is written to.
// Size is only used when the disk file does not exist yet.
type TargetMedia struct {
	Path string    `yaml:"path" json:"path,omitempty"`
	Size MediaSize `yaml:"size" json:"size,omitempty"`
}

func (m *TargetMedia) IsValid() error {
	if strings.HasSuffix(m.Path, "/") {
		return fmt.Errorf("media path (%s) must be a block device or a file", m.Path)
	}

	return nil
}
