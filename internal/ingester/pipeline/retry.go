package pipeline

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blacksky-algorithms/rsky-sub001/internal/common/ingesterrors"
)

const maxBackoffSeconds = 60

// WithRetry runs action until it succeeds, returns a non-retryable error, or
// the bounded retry budget is exhausted. The action reports whether its error
// is retryable. Budget exhaustion is returned as ErrMaxRetriesExceeded, which
// callers treat as fatal: indefinite silent retry would mask a systemic
// outage.
func WithRetry(action func() (error, bool), maxRetries int) error {
	backOff := 1
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err, retryable := action()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable {
			return err
		}

		backOff = minInt(2*backOff, maxBackoffSeconds)
		log.WithError(err).Warnf("Retryable error encountered writing downstream, will wait for %d seconds before retrying", backOff)
		time.Sleep(time.Duration(backOff) * time.Second)
	}
	return &ingesterrors.ErrMaxRetriesExceeded{
		Message:   "gave up writing downstream",
		LastError: lastErr,
	}
}

// isRetryable classifies a downstream write error. Transient transport and
// Redis availability errors are retried with the same batch; anything else is
// surfaced immediately.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ingesterrors.IsNetworkError(err) || ingesterrors.IsRetryableRedisError(err)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
