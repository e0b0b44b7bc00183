package apiclient

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Budget is the request allowance for one credential. It is a fixed-window
// quota (limit requests per window, refilled in full at the window reset)
// kept in sync with the remote quota headers, plus an optional token bucket
// that spaces requests out so the remote side never sees a burst.
//
// Thread Safety: Safe for concurrent use by all workers sharing the credential.
type Budget struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	remaining int
	resetAt   time.Time
	pace      *rate.Limiter

	issued   atomic.Int64
	rejected atomic.Int64
}

// BudgetStats is a point-in-time view of a budget.
type BudgetStats struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Issued    int64     `json:"issued"`
	Rejected  int64     `json:"rejected"`
}

// NewBudget creates a budget of limit requests per window. qps <= 0 disables
// pacing.
func NewBudget(limit int, window time.Duration, qps float64) *Budget {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Hour
	}
	b := &Budget{
		limit:     limit,
		window:    window,
		remaining: limit,
		resetAt:   time.Now().Add(window),
	}
	if qps > 0 {
		b.pace = rate.NewLimiter(rate.Limit(qps), max(1, int(qps)))
	}
	return b
}

// Take consumes one request from the budget. When nothing is left it returns
// false and the time at which a request will be allowed again.
func (b *Budget) Take() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !now.Before(b.resetAt) {
		b.remaining = b.limit
		b.resetAt = now.Add(b.window)
	}

	if b.remaining <= 0 {
		b.rejected.Add(1)
		return false, b.resetAt
	}

	if b.pace != nil {
		r := b.pace.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			b.rejected.Add(1)
			return false, now.Add(delay)
		}
	}

	b.remaining--
	b.issued.Add(1)
	return true, time.Time{}
}

// Observe lowers the local allowance to what the remote API reports. The
// server is authoritative on exhaustion; it never raises the local count.
func (b *Budget) Observe(headers http.Header) {
	remainingStr := headers.Get("X-RateLimit-Remaining")
	if remainingStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	reset, _ := strconv.ParseInt(headers.Get("X-RateLimit-Reset"), 10, 64)

	b.mu.Lock()
	defer b.mu.Unlock()

	if remaining < b.remaining {
		b.remaining = remaining
	}
	if reset > 0 && remaining == 0 {
		if resetAt := time.Unix(reset, 0); resetAt.After(b.resetAt) {
			b.resetAt = resetAt
		}
	}
}

// Exhaust marks the budget empty until resumeAt.
func (b *Budget) Exhaust(resumeAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remaining = 0
	if resumeAt.After(b.resetAt) {
		b.resetAt = resumeAt
	}
}

// Stats returns current statistics about the budget.
func (b *Budget) Stats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BudgetStats{
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
		Issued:    b.issued.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// BudgetRegistry hands out one shared Budget per credential.
type BudgetRegistry struct {
	mu      sync.Mutex
	budgets map[string]*Budget
	limit   int
	window  time.Duration
	qps     float64
}

// NewBudgetRegistry creates a registry whose budgets use the given defaults.
func NewBudgetRegistry(limit int, window time.Duration, qps float64) *BudgetRegistry {
	return &BudgetRegistry{
		budgets: make(map[string]*Budget),
		limit:   limit,
		window:  window,
		qps:     qps,
	}
}

// For returns the budget for credential, creating it on first use.
func (r *BudgetRegistry) For(credential string) *Budget {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.budgets[credential]; ok {
		return b
	}
	b := NewBudget(r.limit, r.window, r.qps)
	r.budgets[credential] = b
	return b
}

// Snapshot returns stats for every known credential.
func (r *BudgetRegistry) Snapshot() map[string]BudgetStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]BudgetStats, len(r.budgets))
	for name, b := range r.budgets {
		out[name] = b.Stats()
	}
	return out
}
