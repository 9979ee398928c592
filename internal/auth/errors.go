package auth

import "errors"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingSecret = errors.New("auth: secret is not configured")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrForbidden     = errors.New("auth: forbidden")
)
