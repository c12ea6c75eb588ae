package app

import "errors"

// ErrNotFound and related errors describe lookup and readiness failures.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotReady            = errors.New("not ready")
	ErrNoExtractionSource  = errors.New("extraction source not configured")
	ErrExtractionNotStored = errors.New("extraction source does not accept writes")
)
