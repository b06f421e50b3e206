package remote

import "errors"

// Shared error kinds across backends. Components match with errors.Is and
// wrap these into their own sentinels where a caller needs finer grain.
var (
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrNotFound         = errors.New("remote: not found")
	ErrCanceled         = errors.New("remote: canceled")
)
