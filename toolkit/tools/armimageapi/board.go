// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimageapi

import (
	"fmt"
	"strings"
	"unicode"
)

// Board is a board name or alias (e.g. "rpi4"). Names are resolved by the installer.
type Board string

func (b Board) IsValid() error {
	if strings.IndexFunc(string(b), unicode.IsSpace) >= 0 {
		return fmt.Errorf("board name (%s) must not contain whitespace", b)
	}

	return nil
}
