package auth

import "errors"

// Authentication errors map onto transport status codes.
// Unauthenticated for missing/invalid (doesn't confirm key existence).
// PermissionDenied for revoked (confirms key exists but blocked).
// Unavailable for storage failures.
var (
	ErrMissingKey       = errors.New("API key required in x-api-key metadata")
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	ErrUnknownKey       = errors.New("unknown secret ID")
	ErrInvalidKey       = errors.New("invalid API key")
	ErrKeyRevoked       = errors.New("API key has been revoked")
	ErrStorage          = errors.New("api key storage unavailable")
)
