package rules

import (
	"errors"
	"fmt"
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrPriceListNotFound = errors.New("price list not found")
	ErrFactorExists      = errors.New("factor already exists")
	ErrInvalidQuantity   = errors.New("requested quantity must be greater than 0")
	ErrInvalidPackID     = errors.New("pack id is required")
	ErrBundleNotFound    = errors.New("bundle not found")
	ErrMalformedBundle   = errors.New("malformed bundle")
)

// UnavailableError reports that a collaborator (rule store, price source)
// could not be reached. Callers may retry.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: dependency unavailable: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Retryable is always true; the type exists so callers can branch on it.
func (e *UnavailableError) Retryable() bool { return true }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err is, or wraps, an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
