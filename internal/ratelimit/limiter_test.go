package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"betrix_bot/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

func defaultOptions() Options {
	return Options{BurstCapacity: 4, RefillInterval: 10 * time.Second, RefillAmount: 1}
}

func newTestLimiter(t *testing.T) (*Limiter, *store.MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	mem := store.NewMemoryStore(store.WithClock(clock.Now))
	logger, _ := test.NewNullLogger()
	return New(mem, defaultOptions(), WithClock(clock.Now), WithLogger(logrus.NewEntry(logger))), mem, clock
}

func seedBucket(t *testing.T, s store.Store, key string, b bucket) {
	t.Helper()
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal bucket: %v", err)
	}
	if err := s.Set(context.Background(), keyPrefix+key, string(raw), 0); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}
}

func readBucket(t *testing.T, s store.Store, key string) bucket {
	t.Helper()
	raw, err := s.Get(context.Background(), keyPrefix+key)
	if err != nil {
		t.Fatalf("read bucket: %v", err)
	}
	var b bucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatalf("decode bucket: %v", err)
	}
	return b
}

func TestTryAdmitStartsAtFullCapacity(t *testing.T) {
	limiter, mem, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if !limiter.TryAdmit(ctx, "chat:1") {
			t.Fatalf("expected admission %d to succeed", i+1)
		}
	}
	if limiter.TryAdmit(ctx, "chat:1") {
		t.Fatalf("expected fifth admission within the same interval to be denied")
	}

	b := readBucket(t, mem, "chat:1")
	if b.Tokens != 0 || b.LastRefillAt != t0.UnixMilli() {
		t.Fatalf("expected empty bucket anchored at t0, got %+v", b)
	}
}

func TestTryAdmitRefillIsDriftFree(t *testing.T) {
	limiter, mem, clock := newTestLimiter(t)
	seedBucket(t, mem, "chat:2", bucket{Tokens: 0, LastRefillAt: t0.UnixMilli()})

	clock.Advance(35 * time.Second)
	if !limiter.TryAdmit(context.Background(), "chat:2") {
		t.Fatalf("expected admission after refill")
	}

	b := readBucket(t, mem, "chat:2")
	if b.Tokens != 2 {
		t.Fatalf("expected 2 tokens left, got %d", b.Tokens)
	}
	if want := t0.Add(30 * time.Second).UnixMilli(); b.LastRefillAt != want {
		t.Fatalf("expected last refill at t0+30s (%d), got %d", want, b.LastRefillAt)
	}
}

func TestTryAdmitDeniesWithoutElapsedInterval(t *testing.T) {
	limiter, mem, clock := newTestLimiter(t)
	seedBucket(t, mem, "chat:3", bucket{Tokens: 0, LastRefillAt: t0.UnixMilli()})

	clock.Advance(9 * time.Second)
	if limiter.TryAdmit(context.Background(), "chat:3") {
		t.Fatalf("expected denial with empty bucket")
	}

	b := readBucket(t, mem, "chat:3")
	if b.Tokens != 0 || b.LastRefillAt != t0.UnixMilli() {
		t.Fatalf("expected bucket unchanged, got %+v", b)
	}
}

func TestTryAdmitNeverExceedsCapacity(t *testing.T) {
	limiter, mem, clock := newTestLimiter(t)
	ctx := context.Background()

	steps := []time.Duration{0, time.Hour, 3 * time.Second, 10 * time.Second, 0, 0, 0, 0, 0, 25 * time.Second, 24 * time.Hour}
	for i, step := range steps {
		clock.Advance(step)
		limiter.TryAdmit(ctx, "chat:4")

		b := readBucket(t, mem, "chat:4")
		if b.Tokens < 0 || b.Tokens > 4 {
			t.Fatalf("step %d: tokens out of range: %d", i, b.Tokens)
		}
	}
}

func TestTryAdmitKeysAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.TryAdmit(ctx, "chat:a")
	}
	if !limiter.TryAdmit(ctx, "chat:b") {
		t.Fatalf("expected a fresh key to be admitted")
	}
}

func TestTryAdmitConcurrentCallsRespectCapacity(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAdmit(ctx, "chat:race") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 4 {
		t.Fatalf("expected exactly 4 admissions, got %d", admitted)
	}
}

func TestTryAdmitOverlappingCallsOnSlowStoreUseEveryToken(t *testing.T) {
	logger, _ := test.NewNullLogger()
	slow := slowStore{Store: store.NewMemoryStore(), delay: 20 * time.Millisecond}
	limiter := New(slow, defaultOptions(), WithLogger(logrus.NewEntry(logger)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAdmit(context.Background(), "chat:album") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 4 {
		t.Fatalf("expected all 4 tokens to be used and the rest denied, got %d admissions", admitted)
	}
}

func TestTryAdmitFailsOpenWhenContextEndsUnderContention(t *testing.T) {
	logger, hook := test.NewNullLogger()
	limiter := New(losingStore{Store: store.NewMemoryStore()}, defaultOptions(), WithLogger(logrus.NewEntry(logger)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if !limiter.TryAdmit(ctx, "chat:busy") {
		t.Fatalf("expected admission once the context ended")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "ratelimit_fail_open" {
		t.Fatalf("expected fail-open warning, got %+v", entry)
	}
}

func TestTryAdmitFailsOpenOnStoreError(t *testing.T) {
	logger, hook := test.NewNullLogger()
	limiter := New(errStore{err: errors.New("connection refused")}, defaultOptions(), WithLogger(logrus.NewEntry(logger)))

	for i := 0; i < 10; i++ {
		if !limiter.TryAdmit(context.Background(), "chat:5") {
			t.Fatalf("expected fail-open admission")
		}
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["event"] != "ratelimit_fail_open" {
		t.Fatalf("expected fail-open warning, got %+v", entry)
	}
}

func TestTTLCoversTwoFullRefills(t *testing.T) {
	limiter := New(store.NewMemoryStore(), Options{BurstCapacity: 5, RefillInterval: 10 * time.Second, RefillAmount: 2})
	if got := limiter.ttl(); got != 60*time.Second {
		t.Fatalf("expected 60s ttl, got %s", got)
	}
}

type errStore struct {
	err error
}

func (e errStore) Get(context.Context, string) (string, error) { return "", e.err }
func (e errStore) Set(context.Context, string, string, time.Duration) error {
	return e.err
}
func (e errStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, e.err
}
func (e errStore) IncrBy(context.Context, string, int64) (int64, error) { return 0, e.err }
func (e errStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, e.err
}
func (e errStore) Delete(context.Context, string) error { return e.err }
func (e errStore) Ping(context.Context) error           { return e.err }

// slowStore adds latency to reads so overlapping calls race on the swap.
type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) Get(ctx context.Context, key string) (string, error) {
	time.Sleep(s.delay)
	return s.Store.Get(ctx, key)
}

// losingStore never wins a swap.
type losingStore struct {
	store.Store
}

func (losingStore) CompareAndSwap(context.Context, string, string, string, time.Duration) (bool, error) {
	return false, nil
}
