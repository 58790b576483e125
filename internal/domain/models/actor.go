package models

import "time"

// ActorBucket is the sliding-window state owned exclusively by one client
// actor. It is persisted on every mutating operation and evicted once idle
// beyond the configured TTL.
type ActorBucket struct {
	Requests   []time.Time `json:"requests"`
	LastUpdate time.Time   `json:"last_update"`
	ResetTime  time.Time   `json:"reset_time"`
}

// Trim drops request timestamps at or before the window start and returns
// whether anything was removed.
func (b *ActorBucket) Trim(windowStart time.Time) bool {
	kept := b.Requests[:0]
	for _, ts := range b.Requests {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	trimmed := len(kept) != len(b.Requests)
	b.Requests = kept
	return trimmed
}

// Oldest returns the earliest surviving timestamp; zero when empty.
func (b *ActorBucket) Oldest() time.Time {
	var oldest time.Time
	for _, ts := range b.Requests {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	return oldest
}
