// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package armimagelib

import (
	"errors"
)

// Error categories. Every error returned by Install matches (errors.Is) exactly one of these.
var (
	ValidationError          = errors.New("validation")
	WriteError               = errors.New("write")
	ClassificationError      = errors.New("classification")
	LvmResolutionError       = errors.New("lvm-resolution")
	AmbiguousDeploymentError = errors.New("ambiguous-deployment")
	ResizeError              = errors.New("resize")
	CustomizationError       = errors.New("customization")
	MountError               = errors.New("mount")
)

// ArmImageError is a named error that belongs to a category.
type ArmImageError struct {
	category error
	name     string
	message  string
}

func NewArmImageError(category error, name string, message string) *ArmImageError {
	return &ArmImageError{
		category: category,
		name:     name,
		message:  message,
	}
}

// Name is a stable identifier, e.g. "Validation:MediaMounted".
func (e *ArmImageError) Name() string {
	return e.name
}

func (e *ArmImageError) Category() error {
	return e.category
}

func (e *ArmImageError) Error() string {
	return e.message
}

func (e *ArmImageError) Is(target error) bool {
	return e.category == target
}

// GetAllArmImageErrors returns every ArmImageError in err's tree, outermost first.
func GetAllArmImageErrors(err error) []*ArmImageError {
	found := []*ArmImageError(nil)
	collectArmImageErrors(err, &found)
	return found
}

func collectArmImageErrors(err error, found *[]*ArmImageError) {
	if err == nil {
		return
	}

	armImageError, ok := err.(*ArmImageError)
	if ok {
		*found = append(*found, armImageError)
	}

	switch unwrapper := err.(type) {
	case interface{ Unwrap() []error }:
		for _, child := range unwrapper.Unwrap() {
			collectArmImageErrors(child, found)
		}

	case interface{ Unwrap() error }:
		collectArmImageErrors(unwrapper.Unwrap(), found)
	}
}

// ErrorNames returns the names of the ArmImageErrors in err, or "Unset" when there are none.
func ErrorNames(err error) []string {
	armImageErrors := GetAllArmImageErrors(err)
	if len(armImageErrors) == 0 {
		return []string{"Unset"}
	}

	names := make([]string, len(armImageErrors))
	for i, armImageError := range armImageErrors {
		names[i] = armImageError.Name()
	}
	return names
}
