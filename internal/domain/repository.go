package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"betrix_bot/internal/store"
)

// ErrProfileNotFound is returned when no profile exists for a user.
var ErrProfileNotFound = errors.New("profile not found")

const (
	nsProfile     = "profile"
	nsExpectation = "expect"
)

// ProfileRepository persists profiles as JSON documents in the store.
type ProfileRepository struct {
	store store.Store
	now   func() time.Time
}

// NewProfileRepository constructs a ProfileRepository.
func NewProfileRepository(s store.Store) *ProfileRepository {
	return &ProfileRepository{store: s, now: time.Now}
}

// Create inserts a profile unless one already exists. It returns the stored
// profile and whether this call created it.
func (r *ProfileRepository) Create(ctx context.Context, profile Profile) (Profile, bool, error) {
	if r == nil || r.store == nil {
		return Profile{}, false, errors.New("profile repository is not initialized")
	}
	if ctx == nil {
		return Profile{}, false, errors.New("context is required")
	}
	if profile.UserID == 0 {
		return Profile{}, false, errors.New("user_id is required")
	}

	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = r.now().UTC().Truncate(time.Millisecond)
	}
	if profile.PreferredSites == nil {
		profile.PreferredSites = []Site{}
	}
	if profile.PreferredSports == nil {
		profile.PreferredSports = []string{}
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return Profile{}, false, fmt.Errorf("encode profile: %w", err)
	}

	created, err := r.store.SetNX(ctx, store.Key(nsProfile, profile.UserID), string(raw), 0)
	if err != nil {
		return Profile{}, false, fmt.Errorf("insert profile: %w", err)
	}
	if !created {
		existing, err := r.Get(ctx, profile.UserID)
		return existing, false, err
	}

	if _, err := r.store.IncrBy(ctx, store.KeyProfileCount, 1); err != nil {
		return profile, true, fmt.Errorf("count profile: %w", err)
	}

	return profile, true, nil
}

// Get fetches a profile by Telegram user id.
func (r *ProfileRepository) Get(ctx context.Context, userID int64) (Profile, error) {
	if r == nil || r.store == nil {
		return Profile{}, errors.New("profile repository is not initialized")
	}
	if ctx == nil {
		return Profile{}, errors.New("context is required")
	}
	if userID == 0 {
		return Profile{}, errors.New("user_id is required")
	}

	raw, err := r.store.Get(ctx, store.Key(nsProfile, userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Profile{}, ErrProfileNotFound
		}
		return Profile{}, fmt.Errorf("find profile: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}

	return profile, nil
}

// Save overwrites an existing profile.
func (r *ProfileRepository) Save(ctx context.Context, profile Profile) error {
	if r == nil || r.store == nil {
		return errors.New("profile repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}
	if profile.UserID == 0 {
		return errors.New("user_id is required")
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	if err := r.store.Set(ctx, store.Key(nsProfile, profile.UserID), string(raw), 0); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	return nil
}

// ExpectationRepository stores the per-user expectation flag with a TTL so an
// abandoned flow clears itself.
type ExpectationRepository struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// NewExpectationRepository constructs an ExpectationRepository.
func NewExpectationRepository(s store.Store, ttl time.Duration) *ExpectationRepository {
	return &ExpectationRepository{store: s, ttl: ttl, now: time.Now}
}

// WithClock overrides the clock used to stamp and check expiry.
func (r *ExpectationRepository) WithClock(now func() time.Time) *ExpectationRepository {
	r.now = now
	return r
}

// Expect replaces any active expectation of the user with kind.
func (r *ExpectationRepository) Expect(ctx context.Context, userID int64, kind ExpectationKind) error {
	if r == nil || r.store == nil {
		return errors.New("expectation repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	raw, err := json.Marshal(Expectation{
		Kind:      kind,
		ExpiresAt: r.now().UTC().Add(r.ttl),
	})
	if err != nil {
		return fmt.Errorf("encode expectation: %w", err)
	}

	if err := r.store.Set(ctx, store.Key(nsExpectation, userID), string(raw), r.ttl); err != nil {
		return fmt.Errorf("set expectation: %w", err)
	}
	return nil
}

// Current returns the active expectation of the user. Missing or expired
// flags read as ExpectNone.
func (r *ExpectationRepository) Current(ctx context.Context, userID int64) (ExpectationKind, error) {
	if r == nil || r.store == nil {
		return ExpectNone, errors.New("expectation repository is not initialized")
	}
	if ctx == nil {
		return ExpectNone, errors.New("context is required")
	}

	raw, err := r.store.Get(ctx, store.Key(nsExpectation, userID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ExpectNone, nil
		}
		return ExpectNone, fmt.Errorf("get expectation: %w", err)
	}

	var exp Expectation
	if err := json.Unmarshal([]byte(raw), &exp); err != nil {
		return ExpectNone, fmt.Errorf("decode expectation: %w", err)
	}
	if !exp.Active(r.now()) {
		return ExpectNone, nil
	}

	return exp.Kind, nil
}

// Clear removes the expectation of the user.
func (r *ExpectationRepository) Clear(ctx context.Context, userID int64) error {
	if r == nil || r.store == nil {
		return errors.New("expectation repository is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := r.store.Delete(ctx, store.Key(nsExpectation, userID)); err != nil {
		return fmt.Errorf("clear expectation: %w", err)
	}
	return nil
}
