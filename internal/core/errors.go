package core

import (
	"errors"
	"fmt"
	"strings"
)

// Business errors.
var (
	// Device errors.
	ErrDeviceNotFound = errors.New("device not found")
	ErrUnknownDevice  = errors.New("unknown device: create it in admin or report it via PowerWatch first")

	// Reference data errors.
	ErrNoProductModel = errors.New("no product model exists to provision against")

	// Event errors.
	ErrEventNotFound     = errors.New("ingress event not found")
	ErrInvalidTransition = errors.New("invalid event status transition")
	ErrClaimLost         = errors.New("event already claimed")

	// Partner errors.
	ErrPartnerNotFound = errors.New("partner not found")
)

// ValidationError carries every problem found while validating a request.
type ValidationError struct {
	Problems []string `json:"problems"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func newValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsDataSetupError reports whether err means the reference data is incomplete.
func IsDataSetupError(err error) bool {
	return errors.Is(err, ErrNoProductModel)
}
