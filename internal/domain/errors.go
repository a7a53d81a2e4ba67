package domain

import "errors"

var (
	// ErrAuthFailed means the institution rejected the credentials. Never
	// retried automatically; surfaced to the caller immediately.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrDriverTimeout is a driver call exceeding its deadline. Treated the
	// same as any other transport failure for retry purposes.
	ErrDriverTimeout = errors.New("driver call timed out")

	// ErrDriverUnavailable is returned by the wrapper while the circuit
	// breaker for a driver is open.
	ErrDriverUnavailable = errors.New("driver temporarily unavailable")

	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session not active")
	ErrDriverNotRegistered = errors.New("no driver registered for institution")
	ErrAccountNotFound     = errors.New("account not connected")
	ErrSyncNotFound        = errors.New("sync operation not found")
)
