package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation wraps input that can never succeed as sent.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateLead is returned when the same email created a lead in the last 24h.
	ErrDuplicateLead = errors.New("duplicate lead")
	// ErrInvalidSignature is returned for tampered tracking or unsubscribe links.
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotFound         = errors.New("not found")
)

func validationError(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}
