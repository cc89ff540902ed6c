// internal/restore/backoff.go
package restore

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits step×n before the n-th retry.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// stepBackOff allows retries more attempts after the first, each waiting delay×attempt.
func stepBackOff(delay time.Duration, retries int) backoff.BackOff {
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(&linearBackOff{step: delay}, uint64(retries))
}
