package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/stridelab/coachgate/internal/clock"
	"github.com/stridelab/coachgate/internal/kv"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int // -1 when the KV store failed and the check failed open
	RetryAfter int // seconds until the violated window resets; 0 when allowed
	Tier       Tier
	Class      Class
	FailOpen   bool
}

// FormatHeaders returns the quota headers attached to every protected
// response.
func (d Decision) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(d.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(max(d.Remaining, 0)),
		"X-RateLimit-Tier":      string(d.Tier),
	}
}

// WindowStatus is the read-only view of one counting window.
type WindowStatus struct {
	Window    string `json:"window"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	ResetIn   int    `json:"reset_in_seconds"`
}

// Status is the read-only view of both windows for one subject/endpoint.
type Status struct {
	Subject string       `json:"subject"`
	Class   Class        `json:"class"`
	Tier    Tier         `json:"tier"`
	Hourly  WindowStatus `json:"hourly"`
	Minute  WindowStatus `json:"per_minute"`
}

// Limiter implements the two-window fixed-bucket counting scheme on the
// KV store.
type Limiter struct {
	store      kv.Store
	quotas     Quotas
	classifier *Classifier
	clock      clock.Clock
	logger     *slog.Logger
}

// New creates a Limiter. The quota table is treated as immutable.
func New(store kv.Store, quotas Quotas, classifier *Classifier, clk clock.Clock, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:      store,
		quotas:     quotas,
		classifier: classifier,
		clock:      clk,
		logger:     logger,
	}
}

// Classifier exposes the endpoint classifier for the admission middleware.
func (l *Limiter) Classifier() *Classifier { return l.classifier }

// counterKey builds the bucketed counter key for one window.
// Bucket expiry via TTL implements the sliding effect.
func counterKey(subject string, class Class, w window, bucket int64) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", subject, class, w.name, bucket)
}

// Check admits or denies one request. Exempt endpoints are admitted
// without touching the store. Any KV failure fails open.
func (l *Limiter) Check(ctx context.Context, subject, endpoint string, tier Tier) Decision {
	class := l.classifier.Classify(endpoint)
	if class == ClassExempt {
		return Decision{Allowed: true, Remaining: -1, Tier: tier, Class: class}
	}

	limits := l.quotas.Lookup(tier, class)
	now := l.clock.Now()

	type windowCount struct {
		w     window
		limit int
		count int64
	}
	counts := [2]windowCount{
		{w: windowHour, limit: limits.Hourly},
		{w: windowMinute, limit: limits.PerMinute},
	}

	for i := range counts {
		wc := &counts[i]
		bucket := now.Unix() / int64(wc.w.size.Seconds())
		key := counterKey(subject, class, wc.w, bucket)

		n := l.store.Incr(ctx, key)
		if n == kv.IncrFailed {
			l.logger.Warn("ratelimit: fail open", "subject", subject, "class", class, "window", wc.w.name)
			return Decision{Allowed: true, Remaining: -1, Tier: tier, Class: class, FailOpen: true}
		}
		if n == 1 {
			// Key was just created; pin its lifetime to the window size.
			l.store.Expire(ctx, key, wc.w.size)
		}
		wc.count = n
	}

	// Denial: retry after the violated window resets. If both windows are
	// violated, report the longer wait.
	var retryAfter, deniedLimit int
	for _, wc := range counts {
		if wc.count > int64(wc.limit) {
			wait := int(wc.w.size.Seconds()) - int(now.Unix()%int64(wc.w.size.Seconds()))
			if wait > retryAfter {
				retryAfter = wait
				deniedLimit = wc.limit
			}
		}
	}
	if retryAfter > 0 {
		return Decision{
			Allowed:    false,
			Limit:      deniedLimit,
			Remaining:  0,
			RetryAfter: retryAfter,
			Tier:       tier,
			Class:      class,
		}
	}

	// Admission: report the tighter of the two windows.
	remainingH := limits.Hourly - int(counts[0].count)
	remainingM := limits.PerMinute - int(counts[1].count)
	limit, remaining := limits.Hourly, remainingH
	if remainingM < remainingH {
		limit, remaining = limits.PerMinute, remainingM
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: remaining,
		Tier:      tier,
		Class:     class,
	}
}

// CurrentStatus reads both window counters without incrementing them.
func (l *Limiter) CurrentStatus(ctx context.Context, subject, endpoint string, tier Tier) Status {
	class := l.classifier.Classify(endpoint)
	limits := l.quotas.Lookup(tier, class)
	now := l.clock.Now()

	read := func(w window, limit int) WindowStatus {
		bucket := now.Unix() / int64(w.size.Seconds())
		used, _ := l.store.GetInt(ctx, counterKey(subject, class, w, bucket))
		return WindowStatus{
			Window:    w.name,
			Limit:     limit,
			Used:      int(used),
			Remaining: max(limit-int(used), 0),
			ResetIn:   int(w.size.Seconds()) - int(now.Unix()%int64(w.size.Seconds())),
		}
	}

	return Status{
		Subject: subject,
		Class:   class,
		Tier:    tier,
		Hourly:  read(windowHour, limits.Hourly),
		Minute:  read(windowMinute, limits.PerMinute),
	}
}

// Reset deletes both counter keys for the current window. Admin surface.
func (l *Limiter) Reset(ctx context.Context, subject, endpoint string) error {
	class := l.classifier.Classify(endpoint)
	now := l.clock.Now()

	var firstErr error
	for _, w := range []window{windowHour, windowMinute} {
		bucket := now.Unix() / int64(w.size.Seconds())
		if err := l.store.Delete(ctx, counterKey(subject, class, w, bucket)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ratelimit: reset %s window: %w", w.name, err)
		}
	}
	return firstErr
}
