// Package ratelimit enforces per-subject, per-endpoint-class request quotas
// using two overlapping fixed-bucket windows (hourly and per-minute) backed
// by the KV store. The atomic Incr of the store is the serialization point;
// a one-request overshoot under concurrent admissions is accepted.
package ratelimit

import (
	"strings"
	"time"
)

// Tier is the quota class of an authenticated principal.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// ParseTier maps a token claim to a Tier. Unknown or empty values coerce
// to free.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(s)) {
	case TierPremium:
		return TierPremium
	case TierAdmin:
		return TierAdmin
	default:
		return TierFree
	}
}

// Class is the cost class of an endpoint, used for quota lookup.
type Class string

const (
	ClassGeneral   Class = "general"
	ClassExpensive Class = "expensive"
	ClassExempt    Class = "exempt"
)

// Limits is the pair of window limits for one (tier, class).
type Limits struct {
	Hourly    int
	PerMinute int
}

// Quotas maps (tier, class) to limits. Loaded at startup, immutable after.
type Quotas map[Tier]map[Class]Limits

// DefaultQuotas returns the built-in tier table. Admin limits are large
// enough to never deny; the counters are still written so utilization
// metrics stay comparable across tiers.
func DefaultQuotas() Quotas {
	return Quotas{
		TierFree: {
			ClassGeneral:   {Hourly: 60, PerMinute: 20},
			ClassExpensive: {Hourly: 100, PerMinute: 10},
		},
		TierPremium: {
			ClassGeneral:   {Hourly: 300, PerMinute: 100},
			ClassExpensive: {Hourly: 500, PerMinute: 50},
		},
		TierAdmin: {
			ClassGeneral:   {Hourly: 10000, PerMinute: 10000},
			ClassExpensive: {Hourly: 10000, PerMinute: 10000},
		},
	}
}

// Lookup returns the limits for (tier, class). Unknown tiers fall back to
// free; unknown classes fall back to general.
func (q Quotas) Lookup(tier Tier, class Class) Limits {
	byClass, ok := q[tier]
	if !ok {
		byClass = q[TierFree]
	}
	if l, ok := byClass[class]; ok {
		return l
	}
	return byClass[ClassGeneral]
}

// Classifier maps request paths to endpoint classes. The path sets are
// closed at startup.
type Classifier struct {
	exempt          map[string]bool
	expensive       map[string]bool
	expensivePrefix []string
}

// NewClassifier builds the static endpoint classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		exempt: map[string]bool{
			"/health":       true,
			"/summary":      true,
			"/alerts":       true,
			"/docs":         true,
			"/openapi.json": true,
		},
		expensive: map[string]bool{
			"/api/coach/ask":                   true,
			"/api/injury/analyze":              true,
			"/api/running/analyze":             true,
			"/api/workout/insights":            true,
			"/api/chat/swap-exercise-enhanced": true,
		},
		expensivePrefix: []string{
			"/api/program/generate/",
		},
	}
}

// Classify returns the endpoint class for path.
func (c *Classifier) Classify(path string) Class {
	if c.exempt[path] {
		return ClassExempt
	}
	if c.expensive[path] {
		return ClassExpensive
	}
	for _, p := range c.expensivePrefix {
		if strings.HasPrefix(path, p) {
			return ClassExpensive
		}
	}
	return ClassGeneral
}

// window is one of the two counting windows.
type window struct {
	name string
	size time.Duration
}

var (
	windowHour   = window{name: "hour", size: time.Hour}
	windowMinute = window{name: "minute", size: time.Minute}
)
