// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"slices"
)

// WifiSecurity is the NetworkManager key-mgmt value of a Wi-Fi profile.
type WifiSecurity string

const (
	WifiSecurityDefault WifiSecurity = ""
	WifiSecurityWpaPsk  WifiSecurity = "wpa-psk"
	WifiSecuritySae     WifiSecurity = "sae"
)

var supportedWifiSecurities = []string{
	string(WifiSecurityWpaPsk),
	string(WifiSecuritySae),
}

func (s WifiSecurity) IsValid() error {
	if s != WifiSecurityDefault && !slices.Contains(supportedWifiSecurities, string(s)) {
		return fmt.Errorf("invalid wifi security type (%s)", s)
	}

	return nil
}

func SupportedWifiSecurities() []string {
	return supportedWifiSecurities
}
