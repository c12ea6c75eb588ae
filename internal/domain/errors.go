package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is the parent of every input validation failure.
var ErrValidation = errors.New("validation error")

// ErrInvalidTransition reports a status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid transition")

var (
	ErrInvalidID              = fmt.Errorf("%w: invalid id", ErrValidation)
	ErrInvalidOrgID           = fmt.Errorf("%w: invalid org id", ErrValidation)
	ErrInvalidTitle           = fmt.Errorf("%w: invalid title", ErrValidation)
	ErrInvalidDocumentType    = fmt.Errorf("%w: invalid document type", ErrValidation)
	ErrInvalidContentHash     = fmt.Errorf("%w: invalid content hash", ErrValidation)
	ErrInvalidActor           = fmt.Errorf("%w: invalid actor", ErrValidation)
	ErrInvalidMaintenanceCost = fmt.Errorf("%w: invalid maintenance cost", ErrValidation)
	ErrInvalidMarginImpact    = fmt.Errorf("%w: invalid margin impact", ErrValidation)
	ErrInvalidVersion         = fmt.Errorf("%w: invalid version", ErrValidation)
	ErrInvalidStatus          = fmt.Errorf("%w: invalid status", ErrValidation)
	ErrInvalidExtraction      = fmt.Errorf("%w: invalid extraction", ErrValidation)
	ErrInvalidConformity      = fmt.Errorf("%w: conformity score must be within 0-100", ErrValidation)
)

// transitionErr wraps ErrInvalidTransition with the attempted move.
func transitionErr(from, to DocumentStatus, detail string) error {
	return fmt.Errorf("%w: %s -> %s: %s", ErrInvalidTransition, from, to, detail)
}
