package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402x "github.com/x402x/facilitator"
)

func fastPolicy(attempts int) Policy {
	p := DefaultPolicy()
	p.MaxAttempts = attempts
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 2 * time.Millisecond
	return p
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var retries []int
	p := fastPolicy(5)
	p.OnRetry = func(attempt int, err error, delay time.Duration) {
		retries = append(retries, attempt)
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 4, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	reverted := x402x.NewSettlementError(x402x.KindRevert, x402x.ReasonTransactionReverted, "status 0")
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return reverted
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, reverted)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(100)
	p.BaseDelay = 50 * time.Millisecond
	p.MaxDelay = 50 * time.Millisecond

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("rpc unavailable")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("EOF")))
	assert.True(t, IsRetryable(x402x.NewSettlementError(x402x.KindRPC, x402x.ReasonRPCError, "")))
	assert.True(t, IsRetryable(x402x.NewSettlementError(x402x.KindNonce, x402x.ReasonNonceConflict, "")))
	assert.False(t, IsRetryable(x402x.NewSettlementError(x402x.KindValidation, x402x.ReasonInvalidPayload, "")))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.MaxAttempts = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.MaxDelay = p.BaseDelay / 2
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.Jitter = 1
	assert.Error(t, p.Validate())
}
