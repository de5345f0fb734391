// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"strings"
)

// KernelArgs are edits to the kernel command line of the image's boot entries.
type KernelArgs struct {
	// ShowBoot removes "rhgb" and "quiet".
	ShowBoot bool `yaml:"showBoot" json:"showBoot,omitempty"`
	// AddConsole adds the board's default serial console when no console is set.
	AddConsole bool `yaml:"addConsole" json:"addConsole,omitempty"`
	// Sysrq enables the magic SysRq key.
	Sysrq bool   `yaml:"sysrq" json:"sysrq,omitempty"`
	Extra string `yaml:"extra" json:"extra,omitempty"`
}

func (k *KernelArgs) IsValid() error {
	if strings.ContainsAny(k.Extra, "\n\r") {
		return fmt.Errorf("'extra' kernel arguments must be on a single line")
	}

	return nil
}

func (k *KernelArgs) IsEmpty() bool {
	return !k.ShowBoot && !k.AddConsole && !k.Sysrq && strings.TrimSpace(k.Extra) == ""
}
