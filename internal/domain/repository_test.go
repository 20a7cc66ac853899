package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"betrix_bot/internal/store"
)

func TestProfileRepositoryCreateAndGet(t *testing.T) {
	mem := store.NewMemoryStore()
	repo := NewProfileRepository(mem)

	ctx := context.Background()
	created, isNew, err := repo.Create(ctx, Profile{UserID: 12345, Username: "punter"})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if !isNew {
		t.Fatalf("expected first Create to insert")
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
	if created.PreferredSites == nil || created.PreferredSports == nil {
		t.Fatalf("expected empty lists instead of nil")
	}

	found, err := repo.Get(ctx, 12345)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if found.Username != "punter" {
		t.Fatalf("expected username punter, got %q", found.Username)
	}
	if !found.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected created_at %v, got %v", created.CreatedAt, found.CreatedAt)
	}

	count, err := store.GetInt(ctx, mem, store.KeyProfileCount)
	if err != nil || count != 1 {
		t.Fatalf("expected profile counter 1, got %d err=%v", count, err)
	}
}

func TestProfileRepositoryCreateIsIdempotent(t *testing.T) {
	mem := store.NewMemoryStore()
	repo := NewProfileRepository(mem)
	ctx := context.Background()

	if _, _, err := repo.Create(ctx, Profile{UserID: 7, Username: "first"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	existing, isNew, err := repo.Create(ctx, Profile{UserID: 7, Username: "second"})
	if err != nil {
		t.Fatalf("second Create returned error: %v", err)
	}
	if isNew {
		t.Fatalf("expected second Create to report existing profile")
	}
	if existing.Username != "first" {
		t.Fatalf("expected original profile to survive, got %q", existing.Username)
	}

	count, _ := store.GetInt(ctx, mem, store.KeyProfileCount)
	if count != 1 {
		t.Fatalf("expected profile counter to stay at 1, got %d", count)
	}
}

func TestProfileRepositorySave(t *testing.T) {
	repo := NewProfileRepository(store.NewMemoryStore())
	ctx := context.Background()

	profile, _, err := repo.Create(ctx, Profile{UserID: 9})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	profile.DateOfBirth = "2001-05-17"
	profile.Country = "Kenya"
	if err := repo.Save(ctx, profile); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	found, err := repo.Get(ctx, 9)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !found.Complete() {
		t.Fatalf("expected saved profile to be complete, got %+v", found)
	}
}

func TestProfileRepositoryGetMissing(t *testing.T) {
	repo := NewProfileRepository(store.NewMemoryStore())

	if _, err := repo.Get(context.Background(), 404); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestProfileRepositoryGuards(t *testing.T) {
	var nilRepo *ProfileRepository
	if _, err := nilRepo.Get(context.Background(), 1); err == nil {
		t.Fatalf("expected error for nil repository")
	}

	repo := NewProfileRepository(store.NewMemoryStore())
	if _, _, err := repo.Create(context.Background(), Profile{}); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if err := repo.Save(nil, Profile{UserID: 1}); err == nil {
		t.Fatalf("expected error for nil context")
	}
}

func TestExpectationRepositoryLifecycle(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := store.NewMemoryStore(store.WithClock(clock))
	repo := NewExpectationRepository(mem, 5*time.Minute).WithClock(clock)
	ctx := context.Background()

	kind, err := repo.Current(ctx, 1)
	if err != nil || kind != ExpectNone {
		t.Fatalf("expected no expectation, got %q err=%v", kind, err)
	}

	if err := repo.Expect(ctx, 1, ExpectDOB); err != nil {
		t.Fatalf("Expect returned error: %v", err)
	}
	if kind, _ := repo.Current(ctx, 1); kind != ExpectDOB {
		t.Fatalf("expected %q, got %q", ExpectDOB, kind)
	}

	if err := repo.Expect(ctx, 1, ExpectCountry); err != nil {
		t.Fatalf("Expect returned error: %v", err)
	}
	if kind, _ := repo.Current(ctx, 1); kind != ExpectCountry {
		t.Fatalf("expected replacement to %q, got %q", ExpectCountry, kind)
	}

	if err := repo.Clear(ctx, 1); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if kind, _ := repo.Current(ctx, 1); kind != ExpectNone {
		t.Fatalf("expected cleared expectation, got %q", kind)
	}
}

func TestExpectationRepositoryExpires(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	// The store never expires the key here, so the embedded expiry is what counts.
	repo := NewExpectationRepository(store.NewMemoryStore(), time.Minute).WithClock(clock)
	ctx := context.Background()

	if err := repo.Expect(ctx, 2, ExpectDOB); err != nil {
		t.Fatalf("Expect returned error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if kind, _ := repo.Current(ctx, 2); kind != ExpectNone {
		t.Fatalf("expected expired expectation to read as none, got %q", kind)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateAwaitingDOB, "awaiting_dob"},
		{StateAwaitingCountry, "awaiting_country"},
		{StateComplete, "complete"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Fatalf("State(%d).String() = %s, want %s", tt.state, got, tt.expected)
		}
	}
}
