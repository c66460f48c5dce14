package api

import "errors"

var (
	// ErrNotFoundOrLockExpired is returned by report calls when the task no
	// longer exists or is no longer locked by the reporting worker.
	ErrNotFoundOrLockExpired = errors.New("external task not found or lock expired")

	// ErrTransportMisconfigured marks transport errors that retrying cannot
	// fix (bad endpoint, rejected credentials). Workers stop on it.
	ErrTransportMisconfigured = errors.New("engine transport misconfigured")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrTaskNotFound is returned by engine lookups for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
)
