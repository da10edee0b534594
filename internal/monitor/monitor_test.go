package monitor_test

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridelab/coachgate/internal/clock"
	"github.com/stridelab/coachgate/internal/monitor"
	"github.com/stridelab/coachgate/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeHealth implements kv.Health with settable values.
type fakeHealth struct {
	healthy atomic.Bool
	fails   atomic.Int64
}

func (f *fakeHealth) Healthy() bool              { return f.healthy.Load() }
func (f *fakeHealth) ConsecutiveFailures() int64 { return f.fails.Load() }

func allowed(tier ratelimit.Tier, class ratelimit.Class) ratelimit.Decision {
	return ratelimit.Decision{Allowed: true, Tier: tier, Class: class}
}

func denied(tier ratelimit.Tier, class ratelimit.Class) ratelimit.Decision {
	return ratelimit.Decision{Allowed: false, Tier: tier, Class: class}
}

func newMonitor(t *testing.T) (*monitor.Monitor, *clock.Fake, *fakeHealth) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0).UTC())
	health := &fakeHealth{}
	health.healthy.Store(true)
	return monitor.New(clk, health, testLogger()), clk, health
}

// Scenario: a denied admission shows up in the per-tier counters.
func TestRecordDecisionCounters(t *testing.T) {
	m, _, _ := newMonitor(t)

	m.RecordDecision(allowed(ratelimit.TierFree, ratelimit.ClassExpensive))
	m.RecordDecision(allowed(ratelimit.TierFree, ratelimit.ClassExpensive))
	m.RecordDecision(denied(ratelimit.TierFree, ratelimit.ClassExpensive))
	m.RecordDecision(allowed(ratelimit.TierPremium, ratelimit.ClassGeneral))
	m.RecordDecision(ratelimit.Decision{
		Allowed: true, FailOpen: true,
		Tier: ratelimit.TierFree, Class: ratelimit.ClassGeneral,
	})

	s := m.Summary()
	free := s.Admissions["free/expensive"]
	assert.EqualValues(t, 2, free.Admitted)
	assert.EqualValues(t, 1, free.Denied)

	premium := s.Admissions["premium/general"]
	assert.EqualValues(t, 1, premium.Admitted)

	freeGeneral := s.Admissions["free/general"]
	assert.EqualValues(t, 1, freeGeneral.FailOpen)
	assert.EqualValues(t, 0, freeGeneral.Admitted, "fail-open is counted separately")

	assert.EqualValues(t, 3, s.Totals.Admitted)
	assert.EqualValues(t, 1, s.Totals.Denied)
	assert.EqualValues(t, 1, s.Totals.FailOpen)
}

func TestCacheEventCounters(t *testing.T) {
	m, _, _ := newMonitor(t)

	m.CacheEvent("user_context", "hit")
	m.CacheEvent("user_context", "hit")
	m.CacheEvent("user_context", "miss")
	m.CacheEvent("retrieval_context", "set")

	s := m.Summary()
	assert.EqualValues(t, 2, s.Cache["user_context/hit"])
	assert.EqualValues(t, 1, s.Cache["user_context/miss"])
	assert.EqualValues(t, 1, s.Cache["retrieval_context/set"])
}

func TestPartitionStatsAndPercentiles(t *testing.T) {
	m, _, _ := newMonitor(t)

	for i := 0; i < 99; i++ {
		m.PartitionQuery("strength-fundamentals", 100*time.Millisecond, false)
	}
	m.PartitionQuery("strength-fundamentals", 3*time.Second, true)

	s := m.Summary()
	st := s.Partitions["strength-fundamentals"]
	assert.EqualValues(t, 100, st.Queries)
	assert.EqualValues(t, 1, st.Failures)

	assert.Equal(t, 100, s.Latency.Samples)
	assert.EqualValues(t, 100, s.Latency.P50Ms)
	// One 3s outlier in 100 samples sits above the p95 cut.
	assert.EqualValues(t, 100, s.Latency.P95Ms)
}

func TestNoAlertsWhenQuiet(t *testing.T) {
	m, _, _ := newMonitor(t)
	assert.Empty(t, m.Alerts())
}

// Scenario: sustained denials over five minutes trip the denial-rate alert,
// and it clears once the window rolls past them.
func TestDenialRateAlert(t *testing.T) {
	m, clk, _ := newMonitor(t)

	for minute := 0; minute < 5; minute++ {
		for i := 0; i < 7; i++ {
			m.RecordDecision(allowed(ratelimit.TierFree, ratelimit.ClassGeneral))
		}
		for i := 0; i < 3; i++ {
			m.RecordDecision(denied(ratelimit.TierFree, ratelimit.ClassGeneral))
		}
		clk.Advance(time.Minute)
	}

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "denial_rate_high", alerts[0].Name)
	assert.InDelta(t, 0.30, alerts[0].Value, 0.01)

	// Six minutes later every bucket has aged out.
	clk.Advance(6 * time.Minute)
	assert.Empty(t, m.Alerts())
}

func TestDenialRateBelowThresholdDoesNotFire(t *testing.T) {
	m, _, _ := newMonitor(t)

	for i := 0; i < 9; i++ {
		m.RecordDecision(allowed(ratelimit.TierFree, ratelimit.ClassGeneral))
	}
	m.RecordDecision(denied(ratelimit.TierFree, ratelimit.ClassGeneral))

	// 10% denial rate stays under the 20% threshold.
	assert.Empty(t, m.Alerts())
}

func TestKVFailureAlert(t *testing.T) {
	m, _, health := newMonitor(t)

	health.fails.Store(5)
	assert.Empty(t, m.Alerts())

	health.healthy.Store(false)
	health.fails.Store(11)
	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "kv_unavailable", alerts[0].Name)
	assert.EqualValues(t, 11, alerts[0].Value)

	s := m.Summary()
	assert.False(t, s.KV.Healthy)
	assert.EqualValues(t, 11, s.KV.ConsecutiveFailures)
}

func TestLatencyAlert(t *testing.T) {
	m, _, _ := newMonitor(t)

	for i := 0; i < 50; i++ {
		m.PartitionQuery("p", 3*time.Second, false)
	}

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "partition_latency_high", alerts[0].Name)
}

func TestSummaryUptime(t *testing.T) {
	m, clk, _ := newMonitor(t)
	clk.Advance(90 * time.Second)
	assert.EqualValues(t, 90, m.Summary().UptimeSeconds)
}
