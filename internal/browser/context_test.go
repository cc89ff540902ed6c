package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type ctxKey struct{}

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("OpCancelPropagates", func(t *testing.T) {
		tab := context.WithValue(context.Background(), ctxKey{}, "target")
		op, cancelOp := context.WithCancel(context.Background())
		combined, cancel := CombineContext(tab, op)
		defer cancel()

		assert.Equal(t, "target", combined.Value(ctxKey{}))
		cancelOp()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not canceled")
		}
	})

	t.Run("TabCancelPropagates", func(t *testing.T) {
		tab, cancelTab := context.WithCancel(context.Background())
		combined, cancel := CombineContext(tab, context.Background())
		defer cancel()
		cancelTab()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), ctxKey{}, "v"), time.Millisecond)
	cancel()
	d := Detach(parent)
	assert.NoError(t, d.Err())
	assert.Nil(t, d.Done())
	_, ok := d.Deadline()
	assert.False(t, ok)
	assert.Equal(t, "v", d.Value(ctxKey{}))
}
