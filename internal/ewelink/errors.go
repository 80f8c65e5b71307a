package ewelink

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for vendor operations.
var (
	// ErrAuth is returned when a session cannot be established or refreshed.
	ErrAuth = errors.New("ewelink: authentication failed")

	// ErrFetch is returned when listing or reading devices fails.
	ErrFetch = errors.New("ewelink: device fetch failed")

	// ErrCommand is returned when a power state change fails.
	ErrCommand = errors.New("ewelink: device command failed")

	// ErrRateLimited is returned when the local request budget could not be
	// acquired before the caller's context ended.
	ErrRateLimited = errors.New("ewelink: rate limited")

	// ErrInvalidState is returned for power states other than "on" and "off".
	ErrInvalidState = errors.New("ewelink: invalid power state")
)

// Vendor error codes that mean the access token is no longer usable.
const (
	codeTokenInvalid = 401
	codeTokenExpired = 402
)

// APIError is a non-zero error code in the vendor response envelope.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ewelink api error %d", e.Code)
	}
	return fmt.Sprintf("ewelink api error %d: %s", e.Code, e.Message)
}

// isAuthFailure reports whether the vendor rejected the access token.
func (e *APIError) isAuthFailure() bool {
	return e.Code == codeTokenInvalid || e.Code == codeTokenExpired
}

// HTTPStatusError is returned when the vendor answers with a non-2xx status.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("ewelink http error %d: %s", e.Status, strings.TrimSpace(e.Body))
}
