package validation

import (
	"strconv"
	"time"

	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
)

// ValidatePositive validates that an integer value is positive (> 0).
// Returns a ValidationError if the value is not positive.
func ValidatePositive(module, field string, value int) error {
	if value <= 0 {
		return cferrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNonNegative validates that a numeric value is non-negative (>= 0).
// Returns a ValidationError if the value is negative.
func ValidateNonNegative(module, field string, value float64) error {
	if value < 0 {
		return cferrors.NewValidationError(module, field, value, "cannot be negative").
			WithHint("use 0 or a positive value")
	}
	return nil
}

// ValidatePositiveFloat validates that a float64 value is positive (> 0).
// Returns a ValidationError if the value is not positive.
func ValidatePositiveFloat(module, field string, value float64) error {
	if value <= 0 {
		return cferrors.NewValidationError(module, field, value, "must be positive").
			WithHint("value must be greater than 0")
	}
	return nil
}

// ValidateNotEmpty validates that a string value is not empty.
// Returns a ValidationError if the string is empty.
func ValidateNotEmpty(module, field string, value string) error {
	if value == "" {
		return cferrors.NewValidationError(module, field, value, "cannot be empty").
			WithHint("provide a non-empty " + field)
	}
	return nil
}

// ValidatePort validates a TCP port number.
func ValidatePort(module, field string, port int) error {
	if port <= 0 || port > 65535 {
		return cferrors.NewValidationError(module, field, port, "out of range").
			WithHint("port must be within 1-65535")
	}
	return nil
}

// ValidateDivisible validates that value is a positive multiple of divisor.
// Sliding windows use it to check intervalMs against sampleCount.
func ValidateDivisible(module, field string, value, divisor int) error {
	if divisor <= 0 {
		return cferrors.NewValidationError(module, field, divisor, "divisor must be positive")
	}
	if value <= 0 || value%divisor != 0 {
		return cferrors.NewValidationError(module, field, value, "must be a positive multiple of "+strconv.Itoa(divisor)).
			WithHint("pick an interval evenly divisible by the sample count")
	}
	return nil
}

// ValidatePositiveDuration validates that a duration is greater than zero.
func ValidatePositiveDuration(module, field string, d time.Duration) error {
	if d <= 0 {
		return cferrors.NewValidationError(module, field, d, "must be positive").
			WithHint("use a duration such as 50ms or 2s")
	}
	return nil
}
