package interfaces

import "errors"

// Errors shared across component boundaries.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidToken = errors.New("invalid or expired token")
)
