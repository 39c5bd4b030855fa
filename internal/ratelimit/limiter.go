package ratelimit

import (
	"context"
	"time"

	"github.com/rapidalle/rapidalle/internal/cache"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "ratelimit:"

// Record is the per-user window state kept in the cache.
type Record struct {
	UserID      string    `json:"userId"`
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
	LastRequest time.Time `json:"lastRequest"`
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window per-user request counter.
//
// Allow reads the record, decides, then writes it back with no atomic
// increment, so two concurrent requests for the same user can both be
// admitted on the last slot. Bursts of up to twice the limit are possible
// across a window boundary. Cache failures admit the request.
type Limiter struct {
	store  cache.Store
	window time.Duration
	max    int
	now    func() time.Time
}

// NewLimiter constructs a Limiter. RATE_LIMIT_WINDOW_SECONDS and
// RATE_LIMIT_MAX_REQUESTS override window and max at runtime.
func NewLimiter(store cache.Store, window time.Duration, max int) *Limiter {
	return &Limiter{
		store:  store,
		window: window,
		max:    max,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Allow counts one request for userID and reports whether it is admitted.
func (l *Limiter) Allow(ctx context.Context, userID string) Decision {
	window, max := l.limits()
	if l == nil || l.store == nil {
		return Decision{Allowed: true, Limit: max, Remaining: max, ResetAt: time.Now().UTC().Add(window)}
	}
	now := l.now()
	if ctx == nil {
		ctx = context.Background()
	}
	key := keyPrefix + userID

	var rec Record
	found, errGet := cache.GetJSON(ctx, l.store, key, &rec)
	if errGet != nil {
		log.WithError(errGet).WithField("user_id", userID).Warn("rate limiter: read failed, admitting request")
		found = false
	}

	switch {
	case !found || now.Sub(rec.WindowStart) >= window:
		rec = Record{UserID: userID, WindowStart: now, Count: 1, LastRequest: now}
	case rec.Count >= max:
		return Decision{Allowed: false, Limit: max, Remaining: 0, ResetAt: rec.WindowStart.Add(window)}
	default:
		rec.Count++
		rec.LastRequest = now
	}

	resetAt := rec.WindowStart.Add(window)
	ttl := resetAt.Sub(now)
	if ttl <= 0 {
		ttl = window
	}
	if errSet := cache.SetJSON(ctx, l.store, key, rec, ttl); errSet != nil {
		log.WithError(errSet).WithField("user_id", userID).Warn("rate limiter: write failed, admitting request")
	}

	remaining := max - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: max, Remaining: remaining, ResetAt: resetAt}
}

func (l *Limiter) limits() (time.Duration, int) {
	var window time.Duration
	var max int
	if l != nil {
		window, max = l.window, l.max
	}
	if window <= 0 {
		window = time.Hour
	}
	if max <= 0 {
		max = 10
	}
	window = internalsettings.Seconds(internalsettings.RateLimitWindowSecondsKey, window)
	if n := internalsettings.Int(internalsettings.RateLimitMaxRequestsKey, int64(max)); n > 0 {
		max = int(n)
	}
	return window, max
}
