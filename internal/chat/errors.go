package chat

import "errors"

var (
	// ErrNotFound: the session or message id does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized: it resolves, but belongs to another user. Callers facing
	// clients must render it exactly like ErrNotFound.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidStreamState: append on a message that is not streaming.
	ErrInvalidStreamState = errors.New("invalid stream state")
	ErrInvalidRole        = errors.New("invalid role")
	ErrEmptyContent       = errors.New("content is required")
	ErrInvalidTitle       = errors.New("invalid title")
)

// IsNoAccess reports whether err should be shown to a client as "not found".
func IsNoAccess(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized)
}
