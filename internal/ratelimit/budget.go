package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options configures a Budget.
type Options struct {
	// RequestsPerSecond and Burst shape the local limiter of each credential.
	RequestsPerSecond float64
	Burst             int
	// Reserve is the remaining-call count below which callers wait for the
	// provider's reset time.
	Reserve int
	// MaxWait caps how long a single Wait blocks on a provider reset.
	MaxWait time.Duration
}

// DefaultOptions mirrors the limits used for provider clients elsewhere:
// five requests per second with a burst of five.
func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 5,
		Burst:             5,
		Reserve:           10,
		MaxWait:           time.Minute,
	}
}

type bucket struct {
	limiter   *rate.Limiter
	known     bool
	limit     int
	remaining int
	reset     time.Time
}

// Budget tracks outbound call budgets per provider credential. It is the only
// state shared between pipeline runs and is safe for concurrent use.
type Budget struct {
	opts    Options
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewBudget creates a tracker.
func NewBudget(opts Options) *Budget {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultOptions().RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultOptions().Burst
	}
	return &Budget{
		opts:    opts,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CredentialKey builds the bucket key for a provider credential without
// keeping the credential itself.
func CredentialKey(provider, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return provider + ":" + hex.EncodeToString(sum[:])[:12]
}

func (b *Budget) get(key string) *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(rate.Limit(b.opts.RequestsPerSecond), b.opts.Burst)}
		b.buckets[key] = bk
	}
	return bk
}

// Wait blocks until a call for key may be issued.
func (b *Budget) Wait(ctx context.Context, key string) error {
	if b == nil {
		return nil
	}
	bk := b.get(key)
	if err := bk.limiter.Wait(ctx); err != nil {
		return err
	}

	delay := b.resetDelay(bk)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Budget) resetDelay(bk *bucket) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !bk.known || bk.remaining > b.opts.Reserve {
		return 0
	}
	delay := bk.reset.Sub(b.now())
	if delay <= 0 {
		bk.known = false
		return 0
	}
	if b.opts.MaxWait > 0 && delay > b.opts.MaxWait {
		delay = b.opts.MaxWait
	}
	return delay
}

// Observe records the provider-reported budget for key.
func (b *Budget) Observe(key string, limit, remaining int, reset time.Time) {
	if b == nil {
		return
	}
	bk := b.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	bk.known = true
	bk.limit = limit
	bk.remaining = remaining
	bk.reset = reset
}

// ObserveHeaders reads GitHub (X-RateLimit-*) or GitLab (RateLimit-*) rate
// headers. Responses without them leave the budget unchanged.
func (b *Budget) ObserveHeaders(key string, h http.Header) {
	if b == nil || h == nil {
		return
	}
	for _, prefix := range []string{"X-RateLimit-", "RateLimit-"} {
		remaining, err := strconv.Atoi(h.Get(prefix + "Remaining"))
		if err != nil {
			continue
		}
		limit, _ := strconv.Atoi(h.Get(prefix + "Limit"))
		var reset time.Time
		if secs, err := strconv.ParseInt(h.Get(prefix+"Reset"), 10, 64); err == nil {
			reset = time.Unix(secs, 0)
		}
		b.Observe(key, limit, remaining, reset)
		return
	}
}

// Remaining returns the last observed remaining count for key.
func (b *Budget) Remaining(key string) (int, bool) {
	if b == nil {
		return 0, false
	}
	bk := b.get(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return bk.remaining, bk.known
}
