package fetch

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Sentinel failures callers branch on. Guard failures (content type, size)
// are deterministic, so the retry loop gives up on them immediately where
// transport and status errors are retried.
var (
	// ErrUnexpectedContentType means the server answered an HTML page where
	// a binary document was expected, usually an interstitial or error page.
	ErrUnexpectedContentType = errors.New("unexpected html response for binary document")

	// ErrSizeExceeded means the response body exceeds the configured cap,
	// detected either from Content-Length or mid-stream.
	ErrSizeExceeded = errors.New("response exceeds maximum file size")

	// ErrUnauthenticated means an API rejected the request for lack of
	// credentials (401 or 403).
	ErrUnauthenticated = errors.New("api request unauthenticated")

	// ErrResponseShape means an API response decoded but did not have the
	// expected structure.
	ErrResponseShape = errors.New("unexpected api response shape")
)

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d for %s", e.Code, e.URL)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
