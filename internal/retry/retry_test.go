package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Do(t *testing.T) {
	boom := errors.New("boom")

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		out := Policy{MaxAttempts: 5, Delay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		})
		require.True(t, out.OK())
		assert.Equal(t, 3, out.Attempts)
	})

	t.Run("exhausts attempt cap", func(t *testing.T) {
		calls := 0
		out := Policy{MaxAttempts: 5, Delay: time.Millisecond}.Do(context.Background(), func(context.Context) error {
			calls++
			return boom
		})
		assert.Equal(t, 5, calls)
		assert.Equal(t, 5, out.Attempts)
		assert.ErrorIs(t, out.Err, ErrExhausted)
		assert.ErrorIs(t, out.Err, boom)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		out := Default().Do(context.Background(), func(context.Context) error {
			calls++
			return Permanent(boom)
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, boom, out.Err)
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		out := Policy{MaxAttempts: 5, Delay: time.Hour}.Do(ctx, func(context.Context) error {
			calls++
			cancel()
			return boom
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, out.Err, context.Canceled)
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		calls := 0
		out := Policy{}.Do(context.Background(), func(context.Context) error {
			calls++
			return nil
		})
		assert.Equal(t, 1, calls)
		assert.True(t, out.OK())
	})
}
