package auth

import "errors"

// Sentinel errors returned by the auth service. Callers should use
// errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when name/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrAgentDisabled is returned when the agent account is disabled.
	ErrAgentDisabled = errors.New("auth: agent account is disabled")

	// ErrTokenExpired is returned when a token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed, fails
	// signature verification, or is absent from the allowlist.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
