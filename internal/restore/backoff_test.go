package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestStepBackOff_GrowsLinearly(t *testing.T) {
	b := stepBackOff(100*time.Millisecond, 3)
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff(), "the retry budget is exhausted")

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff(), "reset restarts the schedule")
}

func TestStepBackOff_NoRetries(t *testing.T) {
	b := stepBackOff(time.Second, 0)
	b.Reset()
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	b = stepBackOff(time.Second, -2)
	b.Reset()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestStepBackOff_DrivesRetry(t *testing.T) {
	calls := 0
	fail := errors.New("still broken")
	err := backoff.Retry(func() error {
		calls++
		return fail
	}, backoff.WithContext(stepBackOff(0, 2), context.Background()))
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}
