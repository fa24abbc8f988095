// Package common defines the sentinel errors and small helpers shared by the
// directory, its drivers and the admin CLI. Callers should use errors.Is to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Lookup errors.
	ErrorNotFound = errors.New("not found")

	// Precondition errors. Every specific precondition wraps ErrorPrecondition.
	ErrorPrecondition = errors.New("precondition failed")
	ErrorNotOwner     = fmt.Errorf("%w: acting address does not own target", ErrorPrecondition)
	ErrorUnknownOwner = fmt.Errorf("%w: owner address is not verified", ErrorPrecondition)

	ErrorValidation = errors.New("validation error")

	// Lifecycle errors.
	ErrorBackendUnavailable = errors.New("backend unavailable")
	ErrorAlreadyOpen        = errors.New("directory already opened")
	ErrorClosed             = errors.New("directory closed")
	ErrorUnknownDriver      = errors.New("unknown driver")

	ErrorInternal = errors.New("internal error")
)
