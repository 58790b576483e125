package ratelimit

import (
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/fit2garmin/throttle/internal/domain/models"
	"github.com/fit2garmin/throttle/pkg/errors"
)

// memoryIdleTTL is how long an untouched window survives in the local
// index.
const memoryIdleTTL = 10 * time.Minute

// MemoryLimiter is the process-local terminal tier. It never fails for
// infrastructure reasons; it can only reject for quota reasons, so the
// fallback chain always ends in a decision.
//
// State is per-process and not shared across instances: under a total
// external-storage outage each process enforces its own window, a documented
// loss of global correctness in exchange for availability.
type MemoryLimiter struct {
	mu         sync.Mutex
	windows    *gocache.Cache
	maxEntries int
	now        func() time.Time
}

type memoryWindow struct {
	requests   []time.Time
	lastUpdate time.Time
}

// NewMemoryLimiter creates the in-memory tier. maxEntries bounds the total
// number of (client, endpoint) windows held; the oldest window is dropped
// first when over capacity.
func NewMemoryLimiter(maxEntries int) *MemoryLimiter {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryLimiter{
		windows:    gocache.New(memoryIdleTTL, 2*memoryIdleTTL),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func memoryKey(clientID, endpoint string) string {
	return fmt.Sprintf("%s|%s", clientID, endpoint)
}

// Check admits or rejects a request against the local sliding window.
func (m *MemoryLimiter) Check(clientID, endpoint string, quota models.QuotaConfig) (*models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := memoryKey(clientID, endpoint)

	var win *memoryWindow
	if cached, ok := m.windows.Get(key); ok {
		win = cached.(*memoryWindow)
	} else {
		m.evictOverCapacity()
		win = &memoryWindow{}
	}

	windowStart := now.Add(-quota.Window)
	kept := win.requests[:0]
	for _, ts := range win.requests {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	win.requests = kept

	if int64(len(win.requests)) >= quota.MaxRequests {
		oldest := win.requests[0]
		for _, ts := range win.requests {
			if ts.Before(oldest) {
				oldest = ts
			}
		}
		resetTime := oldest.Add(quota.Window)
		win.lastUpdate = now
		m.windows.Set(key, win, memoryIdleTTL)
		return nil, &errors.QuotaExceededError{
			Current:    int64(len(win.requests)),
			Max:        quota.MaxRequests,
			ResetTime:  resetTime,
			RetryAfter: resetTime.Sub(now),
		}
	}

	win.requests = append(win.requests, now)
	win.lastUpdate = now
	m.windows.Set(key, win, memoryIdleTTL)

	return &models.Decision{
		Admitted:  true,
		Current:   int64(len(win.requests)),
		Max:       quota.MaxRequests,
		ResetTime: win.requests[0].Add(quota.Window),
	}, nil
}

// Reset drops local windows for a client. Empty endpoint drops all of the
// client's windows.
func (m *MemoryLimiter) Reset(clientID, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint != "" {
		m.windows.Delete(memoryKey(clientID, endpoint))
		return
	}
	prefix := clientID + "|"
	for key := range m.windows.Items() {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			m.windows.Delete(key)
		}
	}
}

// Len reports how many windows are currently held.
func (m *MemoryLimiter) Len() int {
	return m.windows.ItemCount()
}

// evictOverCapacity drops the least recently updated window when the index
// is full. Called with the lock held before inserting a new window.
func (m *MemoryLimiter) evictOverCapacity() {
	if m.windows.ItemCount() < m.maxEntries {
		return
	}
	var oldestKey string
	var oldestAt time.Time
	for key, item := range m.windows.Items() {
		win, ok := item.Object.(*memoryWindow)
		if !ok {
			continue
		}
		if oldestKey == "" || win.lastUpdate.Before(oldestAt) {
			oldestKey = key
			oldestAt = win.lastUpdate
		}
	}
	if oldestKey != "" {
		m.windows.Delete(oldestKey)
	}
}
