package federation

import (
	"errors"
	"fmt"

	"keydirectory/internal/dto"
)

// CodeMessageError is a transport error that already carries an HTTP-style
// code, e.g. a non-2xx reply from the remote server.
type CodeMessageError struct {
	Code    int
	Message string
}

func (e *CodeMessageError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

var (
	// ErrNotRetrying means the transport is currently refusing to contact
	// the destination after earlier failures.
	ErrNotRetrying = errors.New("destination not currently retried")

	// ErrFederationDenied means the destination is outside the federation
	// allowlist.
	ErrFederationDenied = errors.New("federation denied")
)

// FailureFromError classifies a transport error into the failure record
// surfaced to callers. The set of variants is closed: coded errors keep
// their code, the two known sentinels get their fixed records, and anything
// else becomes a generic 503.
func FailureFromError(err error) dto.Failure {
	var coded *CodeMessageError
	switch {
	case errors.As(err, &coded):
		return dto.Failure{Status: coded.Code, Message: coded.Message}
	case errors.Is(err, ErrNotRetrying):
		return dto.Failure{Status: 503, Message: "Not ready for retry"}
	case errors.Is(err, ErrFederationDenied):
		return dto.Failure{Status: 403, Message: "Federation Denied"}
	default:
		return dto.Failure{Status: 503, Message: err.Error()}
	}
}
