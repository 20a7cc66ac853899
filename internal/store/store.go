// Package store defines the key-value capability the bot core runs on and its
// memory, Redis and MongoDB backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("store: key not found")
	// ErrNotInteger is returned by IncrBy when the key holds a non-integer value.
	ErrNotInteger = errors.New("store: value is not an integer")
)

// Store is the key-value surface shared by the limiter, profiles and the
// referral ledger. A ttl <= 0 means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// IncrBy atomically adds delta to the integer at key (missing keys start at 0).
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// CompareAndSwap replaces old with next atomically. An empty old means the
	// key must be absent.
	CompareAndSwap(ctx context.Context, key, old, next string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Key prefixes shared across packages.
const (
	KeyProfileCount  = "stats:profiles"
	KeyReferralCount = "stats:referrals"
)

// Key joins a namespace and an id into a store key.
func Key(namespace string, id int64) string {
	return namespace + ":" + strconv.FormatInt(id, 10)
}

// GetInt reads an integer counter, treating a missing key as zero.
func GetInt(ctx context.Context, s Store, key string) (int64, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, ErrNotInteger)
	}

	return val, nil
}
