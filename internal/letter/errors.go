package letter

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("letter not found")
	ErrUnauthorized      = errors.New("not permitted for this user")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotDue            = errors.New("letter is not due for delivery")
	ErrInvalidLetter     = errors.New("invalid letter")
	ErrStoreUnavailable  = errors.New("letter store unavailable")
)

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func transitionError(l Letter, next Status) error {
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, l.Status, next)
}
