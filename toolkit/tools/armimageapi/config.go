// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
)

// Config is the installer's config file.
type Config struct {
	Image            ImageSource   `yaml:"image" json:"image,omitempty"`
	Media            TargetMedia   `yaml:"media" json:"media,omitempty"`
	Board            Board         `yaml:"board" json:"board,omitempty"`
	ResizeFilesystem bool          `yaml:"resizeFilesystem" json:"resizeFilesystem,omitempty"`
	Customization    Customization `yaml:"customization" json:"customization,omitempty"`
}

func (c *Config) IsValid() error {
	err := c.Image.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'image' value:\n%w", err)
	}

	err = c.Media.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'media' value:\n%w", err)
	}

	err = c.Board.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'board' value:\n%w", err)
	}

	err = c.Customization.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'customization' value:\n%w", err)
	}

	return nil
}
