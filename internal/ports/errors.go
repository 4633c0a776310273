package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Price Feed Errors
	ErrFeedUnavailable  = errors.New("price feed is unavailable")
	ErrConnectionFailed = errors.New("failed to connect to the price feed")
	ErrRateLimited      = errors.New("API rate limit exceeded")
	ErrInvalidPrice     = errors.New("price is not a finite positive number")
	ErrNoData           = errors.New("no data returned for symbol")

	// Position Lifecycle Errors
	ErrAlreadyClosed    = errors.New("position is already closed")
	ErrPositionClosed   = errors.New("position is closed and cannot be modified")
	ErrRatchetViolation = errors.New("level change would loosen protection")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
)
