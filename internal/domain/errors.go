package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrLowConfidence indicates a geo resolution was too unreliable to
	// cache or act on.
	ErrLowConfidence = errors.New("resolution confidence too low")

	// ErrFingerprintNotFound means the requested fingerprint row does not
	// exist for the given link.
	ErrFingerprintNotFound = errors.New("fingerprint not found")

	// ErrProviderUnavailable means a geo provider returned no usable data
	// (timeout, non-2xx, error payload, or unknown country). Callers skip
	// to the next provider; it never surfaces past the resolver.
	ErrProviderUnavailable = errors.New("geo provider unavailable")
)

// LookupError wraps an underlying error with geo-provider context.
type LookupError struct {
	Provider string
	IP       string
	Err      error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("geo lookup %s for %s: %v", e.Provider, e.IP, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}
