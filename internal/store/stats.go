package store

import (
	"context"
	"errors"
	"fmt"
)

// StatsProvider exposes the global counters maintained by the profile and
// referral features without leaking key names to callers.
type StatsProvider struct {
	store Store
}

// NewStatsProvider constructs a StatsProvider backed by the provided store.
func NewStatsProvider(s Store) *StatsProvider {
	return &StatsProvider{store: s}
}

// CountProfiles returns the number of profiles ever created.
func (p *StatsProvider) CountProfiles(ctx context.Context) (int64, error) {
	return p.count(ctx, KeyProfileCount)
}

// CountReferrals returns the number of credited referrals.
func (p *StatsProvider) CountReferrals(ctx context.Context) (int64, error) {
	return p.count(ctx, KeyReferralCount)
}

func (p *StatsProvider) count(ctx context.Context, key string) (int64, error) {
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if p == nil || p.store == nil {
		return 0, errors.New("stats provider is not initialized")
	}

	count, err := GetInt(ctx, p.store, key)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}

	return count, nil
}
