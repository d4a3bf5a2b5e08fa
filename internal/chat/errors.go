package chat

import (
	"errors"
	"fmt"

	"tsubame/internal/store"
)

// Errors returned by the engine. Store failures never cross this boundary
// unwrapped; they become ErrStoreUnavailable.
var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrBlocked          = errors.New("conversation is blocked")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid message state")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnauthorized     = errors.New("sender does not match authenticated user")
	ErrInvalidArgument  = errors.New("invalid argument")
)

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
