package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/skridlevsky/ai-detective/internal/metrics"
)

// Limiter admits at most Limit requests per Window for each key, counting
// requests over a sliding window.
type Limiter struct {
	name   string
	limit  int
	window time.Duration
	key    func(r *http.Request) string
	now    func() time.Time

	mu   sync.Mutex
	hits map[string]*hitLog

	stopCh   chan struct{}
	stopOnce sync.Once
}

// hitLog holds one key's admitted request times, oldest first.
type hitLog struct {
	mu    sync.Mutex
	times []time.Time
}

// LimiterConfig configures a Limiter. Key defaults to ClientIP.
type LimiterConfig struct {
	Name   string
	Limit  int
	Window time.Duration
	Key    func(r *http.Request) string
}

// NewLimiter creates a limiter and starts its sweeper. Call Stop when done.
func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}
	l := &Limiter{
		name:   cfg.Name,
		limit:  cfg.Limit,
		window: cfg.Window,
		key:    cfg.Key,
		now:    time.Now,
		hits:   make(map[string]*hitLog),
		stopCh: make(chan struct{}),
	}
	go l.sweep()
	return l
}

// sweep drops keys with no hits left in the window
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := l.now()
			l.mu.Lock()
			for k, h := range l.hits {
				h.mu.Lock()
				h.expire(now, l.window)
				if len(h.times) == 0 {
					delete(l.hits, k)
				}
				h.mu.Unlock()
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Take admits r or returns how long until its key has room again.
func (l *Limiter) Take(r *http.Request) (bool, time.Duration) {
	k := l.key(r)
	now := l.now()

	l.mu.Lock()
	h, ok := l.hits[k]
	if !ok {
		h = &hitLog{}
		l.hits[k] = h
	}
	l.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.expire(now, l.window)
	if len(h.times) >= l.limit {
		return false, h.times[0].Add(l.window).Sub(now)
	}
	h.times = append(h.times, now)
	return true, 0
}

func (h *hitLog) expire(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(h.times) && !h.times[i].After(cutoff) {
		i++
	}
	h.times = h.times[i:]
}

// Middleware answers 429 with Retry-After once the key is over its limit.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := l.Take(r); !ok {
			metrics.ObserveHTTPRejected(l.name, "rate_limited")
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// ClientIP keys requests by client address. chi's RealIP has already moved
// forwarding headers into RemoteAddr, so they are not read again here.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RouteAndIP keys requests by path and client address, so GitHub webhook
// bursts do not eat into Slack's allowance from a shared egress.
func RouteAndIP(r *http.Request) string {
	return r.URL.Path + " " + ClientIP(r)
}

// RateLimiters holds the limiters the router mounts.
type RateLimiters struct {
	// Dashboard covers the read-only API per client
	Dashboard *Limiter
	// Heavy covers exports and admin rebuilds
	Heavy *Limiter
	// Inbound covers webhook and Slack callbacks
	Inbound *Limiter

	// heavySlots caps concurrent heavy requests across all clients
	heavySlots chan struct{}
}

// NewRateLimiters creates the limiters with their production limits.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{
		Dashboard: NewLimiter(LimiterConfig{Name: "dashboard", Limit: 100, Window: time.Minute}),
		Heavy:     NewLimiter(LimiterConfig{Name: "heavy", Limit: 2, Window: time.Minute}),
		// A bulk PR merge or a busy Slack channel delivers hundreds of
		// callbacks a minute from a handful of addresses.
		Inbound:    NewLimiter(LimiterConfig{Name: "inbound", Limit: 600, Window: time.Minute, Key: RouteAndIP}),
		heavySlots: make(chan struct{}, 3),
	}
}

// Stop stops every limiter's sweeper
func (rls *RateLimiters) Stop() {
	rls.Dashboard.Stop()
	rls.Heavy.Stop()
	rls.Inbound.Stop()
}

// HeavyGuard applies the Heavy limit and the concurrency cap: 429 when the
// client is over its limit, 503 when every slot is busy.
func (rls *RateLimiters) HeavyGuard(next http.Handler) http.Handler {
	return rls.Heavy.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case rls.heavySlots <- struct{}{}:
			defer func() { <-rls.heavySlots }()
		default:
			metrics.ObserveHTTPRejected("heavy", "capacity")
			respondError(w, http.StatusServiceUnavailable, "capacity full, try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	}))
}
