package gguf

import (
	"errors"
	"fmt"
)

// FormatError reports a buffer that is not a usable GGUF header. It is fatal
// for the file and never worth retrying.
type FormatError struct {
	Reason  string
	Version uint32
}

func (e *FormatError) Error() string {
	if e.Version != 0 {
		return fmt.Sprintf("gguf: %s (version %d)", e.Reason, e.Version)
	}
	return "gguf: " + e.Reason
}

// Is lets errors.Is match any *FormatError against the sentinel values below
// by reason.
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

var (
	ErrShortHeader        = &FormatError{Reason: "buffer too short for header"}
	ErrBadMagic           = &FormatError{Reason: "bad magic"}
	ErrOutdatedVersion    = &FormatError{Reason: "outdated format version, re-download the model"}
	ErrUnsupportedVersion = &FormatError{Reason: "unsupported format version"}
)

// IsFormatError reports whether err is (or wraps) a *FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// StatusError is returned by RangeReader for non-success HTTP responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gguf: GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// errShortRead is internal: a read ran past the end of the prefix.
var errShortRead = errors.New("gguf: short read")
