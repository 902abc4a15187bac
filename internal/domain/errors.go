package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrSignInFailed          = errors.New("sign in failed")
	ErrSignUpFailed          = errors.New("sign up failed")
	ErrOAuthInitiationFailed = errors.New("oauth initiation failed")
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrInvalidInput          = errors.New("invalid input")
	ErrStoreFailed           = errors.New("store operation failed")
)

// QuotaError reports that creating another entry would exceed the
// owner's tier limit. It is raised client-side before any remote write
// is attempted; the backing store independently enforces the same
// limit.
type QuotaError struct {
	Limit int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("free plan is limited to %d journal entries", e.Limit)
}
