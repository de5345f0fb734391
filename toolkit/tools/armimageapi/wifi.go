// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"strings"
)

const (
	maxSsidLength      = 32
	minWpaPskLength    = 8
	maxWpaPskLength    = 63
	wpaPskHexKeyLength = 64
)

type Wifi struct {
	Ssid       string       `yaml:"ssid" json:"ssid,omitempty"`
	Passphrase string       `yaml:"passphrase" json:"passphrase,omitempty"`
	Security   WifiSecurity `yaml:"security" json:"security,omitempty"`
}

func (w *Wifi) IsValid() error {
	if w.Ssid == "" {
		return fmt.Errorf("'ssid' must not be empty")
	}

	if len(w.Ssid) > maxSsidLength {
		return fmt.Errorf("'ssid' (%s) is longer than %d bytes", w.Ssid, maxSsidLength)
	}

	if strings.ContainsAny(w.Ssid, "\n\r") || strings.ContainsAny(w.Passphrase, "\n\r") {
		return fmt.Errorf("'ssid' and 'passphrase' must not contain line breaks")
	}

	err := w.Security.IsValid()
	if err != nil {
		return fmt.Errorf("invalid 'security' value:\n%w", err)
	}

	if w.Passphrase == "" {
		if w.Security != WifiSecurityDefault {
			return fmt.Errorf("'security' (%s) requires a 'passphrase'", w.Security)
		}
		return nil
	}

	if w.EffectiveSecurity() == WifiSecurityWpaPsk && !isValidWpaPsk(w.Passphrase) {
		return fmt.Errorf("wpa-psk 'passphrase' must be %d to %d characters long (or a %d digit hex key)",
			minWpaPskLength, maxWpaPskLength, wpaPskHexKeyLength)
	}

	return nil
}

// EffectiveSecurity is the key management used for a protected network.
func (w *Wifi) EffectiveSecurity() WifiSecurity {
	if w.Security == WifiSecurityDefault {
		return WifiSecurityWpaPsk
	}
	return w.Security
}

func isValidWpaPsk(passphrase string) bool {
	if len(passphrase) == wpaPskHexKeyLength {
		for _, c := range passphrase {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
		return true
	}

	return len(passphrase) >= minWpaPskLength && len(passphrase) <= maxWpaPskLength
}
