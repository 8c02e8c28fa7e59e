package service

import "fmt"

// ClientError is a rejected request: malformed user id, invalid key
// structure, conflicting one-time key, bad signature or chain replacement.
// It always carries an HTTP-style code and is never retried.
type ClientError struct {
	Code    int
	Message string
}

func (e *ClientError) Error() string { return e.Message }

func clientErrorf(format string, args ...any) *ClientError {
	return &ClientError{Code: 400, Message: fmt.Sprintf(format, args...)}
}
