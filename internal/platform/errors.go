package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrTransient marks failures worth retrying later: timeouts, throttling
// and server-side errors.
var ErrTransient = errors.New("platform: transient failure")

// StatusError is a non-2xx platform response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("platform: http status %d", e.StatusCode)
	}
	return fmt.Sprintf("platform: http status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrTransient) classify 429 and 5xx.
func (e *StatusError) Unwrap() error {
	if transientStatus(e.StatusCode) {
		return ErrTransient
	}
	return nil
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
