package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates the resource still answered 401, either because
// no auth service was given or because the retry after login also failed.
var ErrUnauthorized = errors.New("resource unauthorized")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e == nil {
		return "unexpected status"
	}
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e != nil && e.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}
