package auth

import "errors"

var (
	ErrMissingFields      = errors.New("all fields are required")
	ErrUserExists         = errors.New("username or phone number already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
