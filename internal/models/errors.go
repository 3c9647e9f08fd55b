package models

import (
	"errors"
	"fmt"
)

// AuthError indicates missing or rejected backend credentials. The stage
// names the failing phase ("Drive init", "token exchange") so responses can
// point at it without leaking secret material.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
