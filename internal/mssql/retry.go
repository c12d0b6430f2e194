package mssql

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	mssql "github.com/microsoft/go-mssqldb"
)

// retryMaxElapsed caps how long an operation keeps retrying transient
// failures before giving up.
const retryMaxElapsed = 30 * time.Second

// newRetryBackoff builds the retry policy for transient server errors.
// BackOff implementations are stateful; always create a fresh one.
func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// retryableNumbers are SQL Server error codes worth retrying: deadlock
// victim, transport failures, and Azure throttling or failover codes.
var retryableNumbers = map[int32]bool{
	64:    true, // connection broken by server
	233:   true, // transport-level error
	1205:  true, // deadlock victim
	4060:  true, // cannot open database (failover in progress)
	10928: true, // resource limit reached
	10929: true, // resource governance limit
	40197: true, // service error processing request
	40501: true, // service busy
	40613: true, // database unavailable
}

// IsRetryable reports whether err looks like a transient connection or
// server condition that a fresh attempt may clear.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var serverErr mssql.Error
	if errors.As(err, &serverErr) {
		return retryableNumbers[serverErr.Number]
	}

	errStr := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"i/o timeout",
		"network error",
	} {
		if strings.Contains(errStr, fragment) {
			return true
		}
	}
	return false
}

// WithRetry runs op under exponential backoff for transient errors.
// Non-retryable errors abort immediately; context cancellation stops the
// wait between attempts.
func WithRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newRetryBackoff(), ctx))
}
