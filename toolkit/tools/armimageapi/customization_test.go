// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustomizationSshKeyExclusive(t *testing.T) {
	c := Customization{SshPublicKeyPath: "key.pub", SshPublicKey: "ssh-ed25519 AAAA"}
	assert.ErrorContains(t, c.IsValid(), "cannot both be specified")
}

func TestCustomizationIgnitionUrl(t *testing.T) {
	c := Customization{IgnitionUrl: "https://example.com/config.ign"}
	assert.NoError(t, c.IsValid())
	assert.True(t, c.HasFirstBootConfig())

	c = Customization{IgnitionUrl: "not a url"}
	assert.ErrorContains(t, c.IsValid(), "invalid 'ignitionUrl' value")
}

func TestCustomizationKernelArgsSingleLine(t *testing.T) {
	c := Customization{KernelArgs: &KernelArgs{Extra: "quiet\ninit=/bin/sh"}}
	assert.ErrorContains(t, c.IsValid(), "single line")
}

func TestCustomizationIsEmpty(t *testing.T) {
	c := Customization{KernelArgs: &KernelArgs{}}
	assert.True(t, c.IsEmpty())

	c = Customization{SelinuxRelabel: true}
	assert.False(t, c.IsEmpty())
}

func TestWifiIsValid(t *testing.T) {
	assert.NoError(t, (&Wifi{Ssid: "Open Cafe"}).IsValid())
	assert.NoError(t, (&Wifi{Ssid: "Home", Passphrase: "12345678"}).IsValid())
	assert.NoError(t, (&Wifi{Ssid: "Home", Passphrase: "short", Security: WifiSecuritySae}).IsValid())
	assert.NoError(t, (&Wifi{Ssid: "Home", Passphrase: strings.Repeat("ab", 32)}).IsValid())

	assert.ErrorContains(t, (&Wifi{}).IsValid(), "'ssid' must not be empty")
	assert.ErrorContains(t, (&Wifi{Ssid: strings.Repeat("x", 33)}).IsValid(), "longer than 32 bytes")
	assert.ErrorContains(t, (&Wifi{Ssid: "Home", Passphrase: "short"}).IsValid(), "wpa-psk 'passphrase'")
	assert.ErrorContains(t, (&Wifi{Ssid: "Home", Security: WifiSecuritySae}).IsValid(), "requires a 'passphrase'")
	assert.ErrorContains(t, (&Wifi{Ssid: "Home", Passphrase: "12345678", Security: "wep"}).IsValid(),
		"invalid wifi security type (wep)")
}

func TestWifiEffectiveSecurity(t *testing.T) {
	assert.Equal(t, WifiSecurityWpaPsk, (&Wifi{Ssid: "Home"}).EffectiveSecurity())
	assert.Equal(t, WifiSecuritySae, (&Wifi{Ssid: "Home", Security: WifiSecuritySae}).EffectiveSecurity())
}
