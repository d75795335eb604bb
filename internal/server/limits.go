package server

import (
	"sync"
	"time"
)

// RateLimiter token-buckets incoming requests per worker address, so a
// misbehaving worker cannot flood the single-threaded GA loop's queues.
type RateLimiter interface {
	Allow(addr string) (ok bool, reset time.Time, remaining int)
}

type tokenBucket struct {
	mu   sync.Mutex
	rpm  int
	now  func() time.Time
	bkts map[string]bucket
}

type bucket struct {
	tokens int
	reset  time.Time
}

// NewTokenBucket returns a RateLimiter allowing rpm requests per minute
// per distinct worker address.
func NewTokenBucket(rpm int) *tokenBucket {
	if rpm <= 0 {
		rpm = 1
	}
	return &tokenBucket{
		rpm:  rpm,
		now:  time.Now,
		bkts: map[string]bucket{},
	}
}

func (t *tokenBucket) Allow(addr string) (bool, time.Time, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bkts[addr]
	now := t.now()

	if now.After(b.reset) {
		b.tokens = t.rpm
		b.reset = now.Add(time.Minute)
	}

	if b.tokens <= 0 {
		t.bkts[addr] = b
		return false, b.reset, 0
	}

	b.tokens--
	t.bkts[addr] = b
	return true, b.reset, b.tokens
}

func (t *tokenBucket) SetNow(fn func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn != nil {
		t.now = fn
	}
}

// sessionDedup tracks which sessions already have an outstanding
// req_gen_ on the genome-request queue, implementing the "at most one
// outstanding request per session" rule of spec §4.7. Shaped after the
// federation replay guard's watermark-map pattern, repurposed from
// timestamp replay detection to live-session membership tracking.
type sessionDedup struct {
	mu      sync.Mutex
	pending map[string]bool // session ID -> has an outstanding request
}

func newSessionDedup() *sessionDedup {
	return &sessionDedup{pending: map[string]bool{}}
}

// TryMark returns true and marks the session pending if it had no
// outstanding request; returns false (and does nothing) if it did.
func (d *sessionDedup) TryMark(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending[sessionID] {
		return false
	}
	d.pending[sessionID] = true
	return true
}

// Clear marks a session's outstanding request as serviced (or its
// session closed), allowing a future request from it to be enqueued.
func (d *sessionDedup) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, sessionID)
}
