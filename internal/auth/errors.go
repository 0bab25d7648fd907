package auth

import "errors"

var (
	ErrTokenMissing      = errors.New("credential missing")
	ErrTokenInvalid      = errors.New("credential invalid")
	ErrTokenExpired      = errors.New("credential expired")
	ErrKeySetUnavailable = errors.New("verification key set unavailable")
)

// IsRetryable reports whether the caller could succeed by presenting a
// fresh credential (as opposed to a credential that will never verify).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTokenExpired)
}
