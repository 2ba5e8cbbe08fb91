package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound indicates that no account exists for the identity.
	ErrUserNotFound = errors.New("user not found")
	// ErrInactiveUser indicates that the account is disabled.
	ErrInactiveUser = errors.New("user account is inactive")
	// ErrInvalidPassword indicates a credential mismatch.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrTooManyAttempts is returned when the failure threshold is reached.
	ErrTooManyAttempts = errors.New("too many failed login attempts")
	// ErrBlockedUser is returned while the identity is temporarily blocked.
	ErrBlockedUser = errors.New("user is temporarily blocked")
	// ErrUserAlreadyExists indicates a duplicate registration.
	ErrUserAlreadyExists = errors.New("user already exists")

	// ErrTokenNotFound covers unknown and expired refresh tokens alike.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenAlreadyUsed signals refresh token reuse outside the grace window.
	ErrTokenAlreadyUsed = errors.New("refresh token already used")
	// ErrMissingToken indicates the request carried no token.
	ErrMissingToken = errors.New("token missing")
	// ErrTokenExpired indicates an access token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid indicates a malformed or mis-signed token.
	ErrTokenInvalid = errors.New("invalid token")
)

// InvalidPasswordError wraps ErrInvalidPassword with the number of attempts
// the caller has left before the identity is blocked.
type InvalidPasswordError struct {
	RemainingAttempts int
}

func (e *InvalidPasswordError) Error() string {
	return fmt.Sprintf("invalid password, %d login attempts remaining", e.RemainingAttempts)
}

// Unwrap lets errors.Is match against ErrInvalidPassword.
func (e *InvalidPasswordError) Unwrap() error {
	return ErrInvalidPassword
}
