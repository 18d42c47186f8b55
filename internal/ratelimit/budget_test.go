package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialKeyHidesCredential(t *testing.T) {
	k1 := CredentialKey("github", "ghp_secret")
	k2 := CredentialKey("github", "ghp_other")

	assert.NotContains(t, k1, "secret")
	assert.NotEqual(t, k1, k2)
	assert.Equal(t, k1, CredentialKey("github", "ghp_secret"))
}

func TestObserveHeaders(t *testing.T) {
	b := NewBudget(DefaultOptions())
	reset := time.Now().Add(time.Minute).Unix()

	gh := http.Header{}
	gh.Set("X-RateLimit-Limit", "5000")
	gh.Set("X-RateLimit-Remaining", "4999")
	gh.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	b.ObserveHeaders("github:a", gh)

	gl := http.Header{}
	gl.Set("RateLimit-Limit", "600")
	gl.Set("RateLimit-Remaining", "12")
	b.ObserveHeaders("gitlab:b", gl)

	rem, ok := b.Remaining("github:a")
	require.True(t, ok)
	assert.Equal(t, 4999, rem)

	rem, ok = b.Remaining("gitlab:b")
	require.True(t, ok)
	assert.Equal(t, 12, rem)

	b.ObserveHeaders("other", http.Header{})
	_, ok = b.Remaining("other")
	assert.False(t, ok)
}

func TestWaitBlocksUntilResetWhenExhausted(t *testing.T) {
	b := NewBudget(Options{RequestsPerSecond: 1000, Burst: 10, Reserve: 1, MaxWait: 50 * time.Millisecond})
	b.Observe("k", 100, 0, time.Now().Add(time.Hour))

	start := time.Now()
	require.NoError(t, b.Wait(context.Background(), "k"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "capped by MaxWait")
	assert.Less(t, elapsed, time.Second)
}

func TestWaitHonoursContext(t *testing.T) {
	b := NewBudget(Options{RequestsPerSecond: 1000, Burst: 10, Reserve: 1, MaxWait: time.Hour})
	b.Observe("k", 100, 0, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx, "k"), context.DeadlineExceeded)
}

func TestWaitPassesWithHealthyBudget(t *testing.T) {
	b := NewBudget(Options{RequestsPerSecond: 1000, Burst: 10, Reserve: 1})
	b.Observe("k", 100, 50, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, b.Wait(ctx, "k"))

	var nilBudget *Budget
	assert.NoError(t, nilBudget.Wait(ctx, "k"))
}
