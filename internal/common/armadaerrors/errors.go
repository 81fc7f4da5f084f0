// Package armadaerrors contains generic error types shared by the sqllogger packages, together with helpers
// for classifying errors returned by network clients and database drivers.
//
// Errors should be wrapped with github.com/pkg/errors; the helpers in this package look through the whole chain
// using errors.As, so wrapping never hides the underlying cause.
package armadaerrors

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "bulkSize"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrMaxRetriesExceeded is returned when an operation has been retried as many times as allowed.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("exceeded maximum number of retries; last error was %s", err.LastError)
	}
	return fmt.Sprintf("%s; last error was %s", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// networkErrorFragments are lower-case substrings that drivers commonly put in errors caused by a broken or
// unreachable connection when they don't return a typed error.
var networkErrorFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"timed out",
	"socket",
	"no route to host",
	"network is unreachable",
	"bad connection",
	"connection closed",
	"closed network connection",
	"unexpected eof",
}

// IsNetworkError returns true if err, or any error in its chain, is caused by the network rather than by the request
// itself. Context cancellation is not considered a network error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return MessageContainsAny(err, networkErrorFragments...)
}

// MessageContainsAny returns true if the message of err, or of any error in its chain, contains one of the provided
// fragments. The comparison is case-insensitive.
func MessageContainsAny(err error, fragments ...string) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, fragment := range fragments {
			if strings.Contains(msg, strings.ToLower(fragment)) {
				return true
			}
		}
	}
	return false
}
