// Package ingesterrors contains generic errors shared by the ingestion
// pipeline components, together with the classification helpers that decide
// whether a failed operation should be retried.
package ingesterrors

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// ErrMaxRetriesExceeded indicates that an operation was retried up to its
// bounded budget without success. It is fatal: the caller should surface it to
// the process supervisor rather than keep retrying silently.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("%s: %v", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// IsNetworkError returns true if err is a transient transport-level error,
// e.g. a dropped connection or a timeout. Such errors are expected during
// normal operation and are recovered by reconnecting with backoff.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsRetryableRedisError classifies Redis server replies that indicate a
// temporarily unavailable store. Largely taken from the go-redis error list.
func IsRetryableRedisError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	if s == "ERR max number of clients reached" {
		return true
	}
	for _, prefix := range []string{"LOADING ", "READONLY ", "CLUSTERDOWN ", "TRYAGAIN ", "MASTERDOWN "} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
