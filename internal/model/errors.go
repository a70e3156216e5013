package model

import "errors"

// Error kinds shared across the engine. Components wrap these with
// fmt.Errorf("...: %w", ...) and callers classify with errors.Is.
var (
	ErrConfigInvalid      = errors.New("invalid configuration")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrNotFound           = errors.New("not found")
	ErrNotEnabled         = errors.New("cdc not enabled")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrTransient          = errors.New("transient failure")
	ErrTransformation     = errors.New("transformation failed")
	ErrSchemaDrift        = errors.New("schema drift handling failed")
	ErrWrite              = errors.New("destination write failed")
	ErrRetryExhausted     = errors.New("retry budget exhausted")
	ErrStopped            = errors.New("stopped by user")
	ErrPaused             = errors.New("paused by user")
	ErrInvariant          = errors.New("invariant violation")
)

// Retryable reports whether a table pipeline may retry after err.
// Everything else is immediately fatal to the table.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrWrite)
}
