// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package sliceutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsValue(t *testing.T) {
	assert.True(t, ContainsValue([]string{"ext4", "xfs"}, "xfs"))
	assert.False(t, ContainsValue([]string{"ext4", "xfs"}, "btrfs"))
	assert.False(t, ContainsValue([]int(nil), 1))
}

func TestFindValueFunc(t *testing.T) {
	value, found := FindValueFunc([]int{1, 4, 9}, func(v int) bool { return v > 3 })
	assert.True(t, found)
	assert.Equal(t, 4, value)

	_, found = FindValueFunc([]int{1, 4, 9}, func(v int) bool { return v > 10 })
	assert.False(t, found)
}

func TestFilterFunc(t *testing.T) {
	filtered := FilterFunc([]string{"sda", "sda1", "sda2"}, func(v string) bool { return v != "sda" })
	assert.Equal(t, []string{"sda1", "sda2"}, filtered)
}
