package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"

	"betrix_bot/internal/logging"
)

const defaultSweepInterval = time.Minute

// MemoryStore keeps keys in process memory. It is meant for single-instance
// deployments and tests; expired keys are hidden on read and swept
// periodically.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]memoryEntry
	now   func() time.Time
	sched gocron.Scheduler
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source; used in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemoryStore constructs an empty MemoryStore without a background sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSweeper schedules removal of expired keys every interval.
func (m *MemoryStore) StartSweeper(interval time.Duration, logger *logrus.Entry) error {
	if logger == nil {
		logger = logging.Logger()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create sweeper scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if removed := m.Sweep(); removed > 0 {
				logger.WithFields(logging.Fields{
					"event":   "store_sweep",
					"removed": removed,
				}).Debug("removed expired keys")
			}
		}),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	sched.Start()
	m.mu.Lock()
	m.sched = sched
	m.mu.Unlock()

	return nil
}

// Sweep deletes expired keys and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.data {
		if entry.expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper, if any.
func (m *MemoryStore) Close(context.Context) error {
	m.mu.Lock()
	sched := m.sched
	m.sched = nil
	m.mu.Unlock()

	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = m.entry(value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	return true, nil
}

func (m *MemoryStore) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	var current int64
	if ok {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: %w", key, ErrNotInteger)
		}
		current = parsed
	}

	current += delta
	entry.value = strconv.FormatInt(current, 10)
	m.data[key] = entry

	return current, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key, old, next string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.lookup(key)
	switch {
	case old == "" && ok:
		return false, nil
	case old != "" && (!ok || entry.value != old):
		return false, nil
	}

	m.data[key] = m.entry(next, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	entry, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(m.now()) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryStore) entry(value string, ttl time.Duration) memoryEntry {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	return entry
}
