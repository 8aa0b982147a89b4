package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuition/ledger-service/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newTestCounter(t *testing.T) (*RedisFailureCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFailureCounter(client, "test:rate_limit:"), mr
}

func TestAuthGateHashAndVerify(t *testing.T) {
	gate := NewAuthGate(bcrypt.MinCost, zap.NewNop())
	ctx := context.Background()

	hash, err := gate.HashSecret("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)

	account := &domain.Account{AccountNumber: "A", SecretHash: hash}
	assert.NoError(t, gate.Verify(ctx, account, "correct horse"))
	assert.ErrorIs(t, gate.Verify(ctx, account, "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, gate.Verify(ctx, account, ""), ErrUnauthorized)
}

func TestAuthGateRejectsInvalidSecrets(t *testing.T) {
	gate := NewAuthGate(bcrypt.MinCost, zap.NewNop())

	_, err := gate.HashSecret("")
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = gate.HashSecret(strings.Repeat("x", 73))
	assert.ErrorIs(t, err, ErrInvalidSecret)

	_, err = gate.HashSecret(strings.Repeat("x", 72))
	assert.NoError(t, err)
}

func TestAuthGateThrottlesRepeatedFailures(t *testing.T) {
	counter, mr := newTestCounter(t)
	gate := NewAuthGate(bcrypt.MinCost, zap.NewNop())
	gate.SetFailureCounter(counter, 3, time.Minute)
	ctx := context.Background()

	hash, err := gate.HashSecret("pw")
	require.NoError(t, err)
	account := &domain.Account{AccountNumber: "A", SecretHash: hash}

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, gate.Verify(ctx, account, "bad"), ErrUnauthorized)
	}
	assert.ErrorIs(t, gate.Verify(ctx, account, "pw"), ErrRateLimited)

	other := &domain.Account{AccountNumber: "B", SecretHash: hash}
	assert.NoError(t, gate.Verify(ctx, other, "pw"))

	mr.FastForward(2 * time.Minute)
	assert.NoError(t, gate.Verify(ctx, account, "pw"))
}

func TestAuthGateSuccessClearsFailures(t *testing.T) {
	counter, _ := newTestCounter(t)
	gate := NewAuthGate(bcrypt.MinCost, zap.NewNop())
	gate.SetFailureCounter(counter, 3, time.Minute)
	ctx := context.Background()

	hash, err := gate.HashSecret("pw")
	require.NoError(t, err)
	account := &domain.Account{AccountNumber: "A", SecretHash: hash}

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, gate.Verify(ctx, account, "bad"), ErrUnauthorized)
	}
	require.NoError(t, gate.Verify(ctx, account, "pw"))

	failures, err := counter.Failures(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, failures)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, gate.Verify(ctx, account, "bad"), ErrUnauthorized)
	}
	assert.NoError(t, gate.Verify(ctx, account, "pw"))
}

func TestRedisFailureCounterWindow(t *testing.T) {
	counter, mr := newTestCounter(t)
	ctx := context.Background()

	failures, err := counter.Failures(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, failures)

	failures, retryAfter, err := counter.Increment(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, failures)
	assert.Equal(t, 30*time.Second, retryAfter)

	failures, _, err = counter.Increment(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.True(t, mr.Exists("test:rate_limit:auth_failure:A"))

	mr.FastForward(31 * time.Second)
	failures, err = counter.Failures(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, failures)

	_, _, err = counter.Increment(ctx, "A", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, counter.Reset(ctx, "A"))
	failures, err = counter.Failures(ctx, "A")
	require.NoError(t, err)
	assert.Zero(t, failures)
}
