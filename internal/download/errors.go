package download

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyExists is returned when the destination file is already on disk.
	ErrAlreadyExists = errors.New("download: destination already exists")
	// ErrAlreadyDownloading is returned while another job holds the filename.
	ErrAlreadyDownloading = errors.New("download: already downloading")
	// ErrUnauthorizedTokenRequired maps HTTP 401: the model needs a token.
	ErrUnauthorizedTokenRequired = errors.New("download: unauthorized, an access token is required")
	// ErrForbiddenAccessRequired maps HTTP 403: the token lacks access (gated model).
	ErrForbiddenAccessRequired = errors.New("download: forbidden, request access to the model first")
)

// HTTPError is any other non-success response.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("download: GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// statusError maps a non-200 response to the error kinds above.
func statusError(url string, code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorizedTokenRequired
	case http.StatusForbidden:
		return ErrForbiddenAccessRequired
	}
	return &HTTPError{URL: url, StatusCode: code}
}

// IsAccessDenied reports whether err is a 401 or 403 mapping.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrUnauthorizedTokenRequired) || errors.Is(err, ErrForbiddenAccessRequired)
}
