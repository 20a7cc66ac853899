// Package ratelimit implements per-conversation admission control as a
// drift-free token bucket persisted in a shared store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"betrix_bot/internal/logging"
	"betrix_bot/internal/store"
)

const (
	keyPrefix   = "ratelimit:"
	maxAttempts = 64
	backoffStep = 2 * time.Millisecond
	maxBackoff  = 25 * time.Millisecond
)

// Options configures the bucket shape.
type Options struct {
	BurstCapacity  int
	RefillInterval time.Duration
	RefillAmount   int
}

// bucket is the persisted state. LastRefillAt is unix milliseconds.
type bucket struct {
	Tokens       int   `json:"tokens"`
	LastRefillAt int64 `json:"last_refill_at"`
}

// Limiter decides whether an inbound event for a key may proceed.
type Limiter struct {
	store  store.Store
	opts   Options
	now    func() time.Time
	logger *logrus.Entry
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger *logrus.Entry) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a Limiter. Non-positive options fall back to a bucket of one
// token refilled every second.
func New(s store.Store, opts Options, options ...Option) *Limiter {
	if opts.BurstCapacity <= 0 {
		opts.BurstCapacity = 1
	}
	if opts.RefillInterval <= 0 {
		opts.RefillInterval = time.Second
	}
	if opts.RefillAmount <= 0 {
		opts.RefillAmount = 1
	}

	l := &Limiter{
		store:  s,
		opts:   opts,
		now:    time.Now,
		logger: logging.Logger(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// TryAdmit consumes one token for key when available. Lost swaps are retried
// with a short jittered backoff until one wins. Store failures, a done
// context or running out of attempts admit the event.
func (l *Limiter) TryAdmit(ctx context.Context, key string) bool {
	if l == nil || l.store == nil {
		return true
	}

	storeKey := keyPrefix + key
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff(ctx, attempt); err != nil {
				l.failOpen(key, err)
				return true
			}
		}

		raw, err := l.store.Get(ctx, storeKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			l.failOpen(key, err)
			return true
		}
		if errors.Is(err, store.ErrNotFound) {
			raw = ""
		}

		now := l.now()
		current := l.decode(raw, now)
		next, admitted := l.take(current, now)

		encoded, err := json.Marshal(next)
		if err != nil {
			l.failOpen(key, err)
			return true
		}

		swapped, err := l.store.CompareAndSwap(ctx, storeKey, raw, string(encoded), l.ttl())
		if err != nil {
			l.failOpen(key, err)
			return true
		}
		if swapped {
			return admitted
		}
	}

	l.logger.WithFields(logging.Fields{
		"event": "ratelimit_contention",
		"key":   key,
	}).Warn("bucket update lost every attempt; admitting")
	return true
}

// backoff waits a jittered delay that grows with attempt, or returns the
// context error.
func backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(attempt) * backoffStep
	if delay > maxBackoff {
		delay = maxBackoff
	}
	delay = delay/2 + rand.N(delay/2+1)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// take applies drift-free refill and, if possible, consumes a token.
func (l *Limiter) take(b bucket, now time.Time) (bucket, bool) {
	intervalMs := l.opts.RefillInterval.Milliseconds()
	elapsed := now.UnixMilli() - b.LastRefillAt
	if elapsed > 0 && intervalMs > 0 {
		intervals := elapsed / intervalMs
		if intervals > 0 {
			refill := intervals * int64(l.opts.RefillAmount)
			tokens := int64(b.Tokens) + refill
			if tokens > int64(l.opts.BurstCapacity) {
				tokens = int64(l.opts.BurstCapacity)
			}
			b.Tokens = int(tokens)
			b.LastRefillAt += intervals * intervalMs
		}
	}

	if b.Tokens > l.opts.BurstCapacity {
		b.Tokens = l.opts.BurstCapacity
	}
	if b.Tokens > 0 {
		b.Tokens--
		return b, true
	}
	return b, false
}

func (l *Limiter) decode(raw string, now time.Time) bucket {
	fresh := bucket{Tokens: l.opts.BurstCapacity, LastRefillAt: now.UnixMilli()}
	if raw == "" {
		return fresh
	}

	var b bucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil || b.Tokens < 0 {
		return fresh
	}
	return b
}

// ttl keeps idle buckets around long enough to refill completely twice.
func (l *Limiter) ttl() time.Duration {
	steps := (l.opts.BurstCapacity + l.opts.RefillAmount - 1) / l.opts.RefillAmount
	return 2 * time.Duration(steps) * l.opts.RefillInterval
}

func (l *Limiter) failOpen(key string, err error) {
	l.logger.WithFields(logging.Fields{
		"event": "ratelimit_fail_open",
		"key":   key,
		"error": err,
	}).Warn("rate limit store unavailable; admitting")
}
