// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"

	"github.com/asaskevich/govalidator"
)

// Customization lists the first-boot changes to make to the written image.
// Unset fields leave the image untouched.
type Customization struct {
	SshPublicKeyPath    string      `yaml:"sshPublicKeyPath" json:"sshPublicKeyPath,omitempty"`
	SshPublicKey        string      `yaml:"sshPublicKey" json:"sshPublicKey,omitempty"`
	ClearRootPassword   bool        `yaml:"clearRootPassword" json:"clearRootPassword,omitempty"`
	Wifi                *Wifi       `yaml:"wifi" json:"wifi,omitempty"`
	FirstBootConfigFile string      `yaml:"firstBootConfigFile" json:"firstBootConfigFile,omitempty"`
	IgnitionUrl         string      `yaml:"ignitionUrl" json:"ignitionUrl,omitempty"`
	SelinuxRelabel      bool        `yaml:"selinuxRelabel" json:"selinuxRelabel,omitempty"`
	KernelArgs          *KernelArgs `yaml:"kernelArgs" json:"kernelArgs,omitempty"`
}

func (c *Customization) IsValid() error {
	if c.SshPublicKeyPath != "" && c.SshPublicKey != "" {
		return fmt.Errorf("'sshPublicKeyPath' and 'sshPublicKey' cannot both be specified")
	}

	if c.Wifi != nil {
		err := c.Wifi.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'wifi' value:\n%w", err)
		}
	}

	if c.IgnitionUrl != "" && !govalidator.IsURL(c.IgnitionUrl) {
		return fmt.Errorf("invalid 'ignitionUrl' value (%s): not a URL", c.IgnitionUrl)
	}

	if c.KernelArgs != nil {
		err := c.KernelArgs.IsValid()
		if err != nil {
			return fmt.Errorf("invalid 'kernelArgs' value:\n%w", err)
		}
	}

	return nil
}

func (c *Customization) HasSshKey() bool {
	return c.SshPublicKeyPath != "" || c.SshPublicKey != ""
}

func (c *Customization) HasFirstBootConfig() bool {
	return c.FirstBootConfigFile != "" || c.IgnitionUrl != ""
}

// IsEmpty reports whether no customization was requested.
func (c *Customization) IsEmpty() bool {
	return !c.HasSshKey() && !c.ClearRootPassword && c.Wifi == nil && !c.HasFirstBootConfig() &&
		!c.SelinuxRelabel && (c.KernelArgs == nil || c.KernelArgs.IsEmpty())
}
