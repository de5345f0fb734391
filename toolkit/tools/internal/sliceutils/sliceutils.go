// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package sliceutils

// ContainsValue checks if value is in the slice.
func ContainsValue[T comparable](inputSlice []T, value T) bool {
	for _, entry := range inputSlice {
		if entry == value {
			return true
		}
	}
	return false
}

// FindValueFunc returns the first entry for which matchFunc returns true.
func FindValueFunc[T any](inputSlice []T, matchFunc func(T) bool) (T, bool) {
	for _, entry := range inputSlice {
		if matchFunc(entry) {
			return entry, true
		}
	}

	var zero T
	return zero, false
}

// FilterFunc returns the entries for which matchFunc returns true, keeping their order.
func FilterFunc[T any](inputSlice []T, matchFunc func(T) bool) []T {
	var filtered []T
	for _, entry := range inputSlice {
		if matchFunc(entry) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
