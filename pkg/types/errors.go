package types

import "errors"

var (
	ErrInvalidUsername = errors.New("username must be 1-32 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidPhone    = errors.New("phone number must be 3-20 characters, digits with optional leading +")
	ErrPasswordTooWeak = errors.New("password must be at least 6 characters")
	ErrEmptyMessage    = errors.New("message text cannot be empty")
	ErrMessageTooLong  = errors.New("message text exceeds 4KB limit")
)
