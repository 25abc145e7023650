package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errSend = errors.New("send failed")

func testBreaker() (*CircuitBreaker, *time.Time) {
	now := time.Unix(1000, 0)
	cb := New(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second, MaxRequestsHalfOpen: 1})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker()
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errSend }), errSend)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return errSend }), errSend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb, now := testBreaker()
	ctx := context.Background()
	_ = cb.Execute(ctx, func() error { return errSend })
	_ = cb.Execute(ctx, func() error { return errSend })

	*now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := testBreaker()
	ctx := context.Background()
	_ = cb.Execute(ctx, func() error { return errSend })
	_ = cb.Execute(ctx, func() error { return errSend })

	*now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, func() error { return errSend })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cb, _ := testBreaker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := testBreaker()
	var wg sync.WaitGroup
	wg.Add(1)
	var from, to State
	cb.OnStateChange(func(prev, next State) {
		from, to = prev, next
		wg.Done()
	})

	_ = cb.Execute(context.Background(), func() error { return errSend })
	_ = cb.Execute(context.Background(), func() error { return errSend })
	wg.Wait()

	assert.Equal(t, StateClosed, from)
	assert.Equal(t, StateOpen, to)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := testBreaker()
	_ = cb.Execute(context.Background(), func() error { return errSend })
	_ = cb.Execute(context.Background(), func() error { return errSend })

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
