package fetch

import (
	"errors"
	"fmt"
)

// ErrMissingIdentity is returned before any network activity when the client
// has no identifying User-Agent. The registry rejects anonymous traffic, so
// this is a configuration error rather than a fetch failure.
var ErrMissingIdentity = errors.New("fetch: identifying User-Agent is required")

// FetchError describes a failed retrieval. Transient errors were retried up to
// the client's attempt bound; permanent ones failed on the first attempt.
type FetchError struct {
	URL       string
	Status    int
	Attempts  int
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s failure after %d attempt(s): status %d", e.URL, kind, e.Attempts, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s failure after %d attempt(s): %v", e.URL, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a FetchError classified as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
