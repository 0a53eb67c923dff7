package util

import (
	"time"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

// RetryUntilSuccess calls performAction until it returns nil or ctx is cancelled, waiting backoff between attempts.
func RetryUntilSuccess(ctx *sokovancontext.Context, performAction func() error, onError func(error), backoff time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			err := performAction()
			if err == nil {
				return
			}
			onError(err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
