// Package validation provides common validation utilities for configuration
// parameters across the clusterflow packages.
//
// Every helper returns a *errors.ValidationError so callers can reject a
// whole configuration update with a single errors.Is(err,
// errors.ErrInvalidConfiguration) check.
package validation
