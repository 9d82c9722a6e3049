package auth

import "errors"

// Credential errors. All of them are terminal for a request; none of them
// may reach a downstream service.
var (
	ErrMissingCredential   = errors.New("missing authorization header")
	ErrMalformedCredential = errors.New("invalid authorization format")
	ErrInvalidCredential   = errors.New("invalid token")
	ErrRevokedCredential   = errors.New("token has been revoked")

	// ErrAuthorityUnavailable means the key material needed to check a token
	// could not be obtained. It is not a statement about the token itself.
	ErrAuthorityUnavailable = errors.New("authentication authority unavailable")

	// ErrRevocationUnavailable is returned when the revocation store cannot
	// be consulted and the checker is configured to fail closed.
	ErrRevocationUnavailable = errors.New("revocation store unavailable")
)
