package enrich

import (
	"errors"
	"fmt"
)

// ErrRateLimited signals the service rejected the call for rate reasons. Rate
// limit rejections are always retried and never consume the retry budget.
var ErrRateLimited = errors.New("enrichment service rate limited")

// PermanentError marks a call failure that retrying cannot fix, such as a
// malformed request. The whole batch fails immediately.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string {
	return e.Reason
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) *PermanentError {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
