package client

import (
	"sync"
	"time"
)

// DefaultHourlyLimit is the assumed call budget when the server has
// not reported one. The header value always wins once seen.
const DefaultHourlyLimit = 500

const quotaWindow = time.Hour

// Quota tracks the hourly call window. The local counter is only a
// fallback; the server's remaining-calls header is authoritative and
// overwrites it on every response that carries one. While backing off
// no calls may be issued at all.
type Quota struct {
	mu           sync.Mutex
	limit        int
	windowStart  time.Time
	calls        int
	remaining    int // server-reported, -1 when unknown this window
	backoffUntil time.Time

	// Clock is the time source, replaceable in tests.
	Clock func() time.Time
}

// QuotaStats is a point-in-time snapshot for operational reporting.
type QuotaStats struct {
	Limit      int       `json:"limit"`
	Used       int       `json:"used"`
	Remaining  int       `json:"remaining"`
	BackingOff bool      `json:"backing_off"`
	ResetAt    time.Time `json:"reset_at"`
}

// NewQuota returns a quota tracker with the given hourly limit.
// A non-positive limit selects DefaultHourlyLimit.
func NewQuota(limit int) *Quota {
	if limit <= 0 {
		limit = DefaultHourlyLimit
	}
	return &Quota{limit: limit, remaining: -1, Clock: time.Now}
}

// roll starts a fresh window once the current one has elapsed.
// Callers must hold mu.
func (q *Quota) roll(now time.Time) {
	if q.windowStart.IsZero() {
		q.windowStart = now
		return
	}
	if now.Sub(q.windowStart) >= quotaWindow {
		q.windowStart = now
		q.calls = 0
		q.remaining = -1
		q.backoffUntil = time.Time{}
	}
}

// RecordCall counts one outbound call against the window.
func (q *Quota) RecordCall() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(q.Clock())
	q.calls++
	if q.remaining > 0 {
		q.remaining--
	}
}

// ObserveRemaining stores the server-reported remaining-calls count.
func (q *Quota) ObserveRemaining(n int) {
	if n < 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(q.Clock())
	q.remaining = n
}

// MarkExhausted records a hard quota rejection. Calls are refused
// until the window boundary.
func (q *Quota) MarkExhausted() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Clock()
	q.roll(now)
	q.remaining = 0
	q.backoffUntil = q.windowStart.Add(quotaWindow)
	return q.backoffUntil.Sub(now)
}

// BackingOff reports whether calls are currently refused.
func (q *Quota) BackingOff() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(q.Clock())
	return q.Clock().Before(q.backoffUntil)
}

// Remaining returns the best-known remaining call count for the
// current window: the server's figure when seen, the local fallback
// otherwise.
func (q *Quota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.roll(q.Clock())
	if q.remaining >= 0 {
		return q.remaining
	}
	if left := q.limit - q.calls; left > 0 {
		return left
	}
	return 0
}

// ResetAt returns when the current window ends.
func (q *Quota) ResetAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Clock()
	q.roll(now)
	if q.windowStart.IsZero() {
		return now
	}
	return q.windowStart.Add(quotaWindow)
}

// Stats snapshots the window for operational endpoints.
func (q *Quota) Stats() QuotaStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Clock()
	q.roll(now)

	remaining := q.remaining
	if remaining < 0 {
		remaining = q.limit - q.calls
		if remaining < 0 {
			remaining = 0
		}
	}
	resetAt := now
	if !q.windowStart.IsZero() {
		resetAt = q.windowStart.Add(quotaWindow)
	}
	return QuotaStats{
		Limit:      q.limit,
		Used:       q.calls,
		Remaining:  remaining,
		BackingOff: now.Before(q.backoffUntil),
		ResetAt:    resetAt,
	}
}
