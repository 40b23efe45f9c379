package auth

import "errors"

// Authentication failures. Both map to 401 so a response never confirms
// whether a token was close.
var (
	ErrMissingToken = errors.New("bearer token required in Authorization header")
	ErrInvalidToken = errors.New("invalid bearer token")
)
