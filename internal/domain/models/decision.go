package models

import "time"

// Decision is an admission verdict from a counter backend.
type Decision struct {
	Admitted  bool
	Current   int64
	Max       int64
	ResetTime time.Time
}

// CachedDecision is the advisory form of a Decision stored in the cache
// tier. Its staleness inside the TTL is an accepted consistency trade-off.
type CachedDecision struct {
	RateLimited bool      `json:"rate_limited"`
	Current     int64     `json:"current"`
	Max         int64     `json:"max"`
	ResetTime   time.Time `json:"reset_time"`
	DecidedAt   time.Time `json:"decided_at"`
}

// ThrottleResult is what the core hands back for a rejected request. A nil
// result means the request was admitted.
type ThrottleResult struct {
	RateLimited bool          `json:"rate_limited"`
	Current     int64         `json:"current"`
	Max         int64         `json:"max"`
	ResetTime   time.Time     `json:"reset_time"`
	RetryAfter  time.Duration `json:"retry_after"`
}

// EndpointUsage is one endpoint's slice of a client's usage snapshot.
type EndpointUsage struct {
	Endpoint  string    `json:"endpoint"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// UsageEvent is one analytics record queued for the blob sink.
type UsageEvent struct {
	EventID   string    `json:"event_id"`
	ClientID  string    `json:"client_id"`
	Endpoint  string    `json:"endpoint"`
	Admitted  bool      `json:"admitted"`
	Current   int64     `json:"current"`
	Max       int64     `json:"max"`
	Strategy  string    `json:"strategy"`
	Timestamp time.Time `json:"timestamp"`
}
