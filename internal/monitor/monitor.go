// Package monitor aggregates the gateway's operational signals: admission
// outcomes per tier and class, cache activity per family, knowledge
// partition query latency, and KV health. It evaluates alert predicates on
// demand rather than running a background scanner, so reading /alerts is
// always current and the package needs no goroutines.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stridelab/coachgate/internal/clock"
	"github.com/stridelab/coachgate/internal/kv"
	"github.com/stridelab/coachgate/internal/ratelimit"
)

// Alert thresholds.
const (
	denialRateThreshold = 0.20 // of decisions over the trailing window
	denialRateWindow    = 5 * time.Minute
	kvFailureThreshold  = 10 // consecutive KV failures
	latencyP95Threshold = 2 * time.Second
	latencySampleCount  = 512 // ring size for percentile estimation
	denialMinuteBuckets = 6   // current minute plus five trailing
)

// AdmissionOutcome is the terminal state of one admission decision.
type AdmissionOutcome string

const (
	OutcomeAdmitted AdmissionOutcome = "admitted"
	OutcomeDenied   AdmissionOutcome = "denied"
	OutcomeFailOpen AdmissionOutcome = "fail_open"
)

// admissionKey buckets counters by tier and endpoint class.
type admissionKey struct {
	Tier  ratelimit.Tier
	Class ratelimit.Class
}

// AdmissionCounts holds outcome totals for one (tier, class) pair.
type AdmissionCounts struct {
	Admitted uint64 `json:"admitted"`
	Denied   uint64 `json:"denied"`
	FailOpen uint64 `json:"fail_open"`
}

// PartitionStats holds query totals for one knowledge partition.
type PartitionStats struct {
	Queries  uint64 `json:"queries"`
	Failures uint64 `json:"failures"`
}

// minuteBucket holds admission outcomes for one wall-clock minute.
type minuteBucket struct {
	minute int64
	total  uint64
	denied uint64
}

// Monitor is safe for concurrent use by the middleware, the cache manager,
// and the retrieval orchestrator.
type Monitor struct {
	clock    clock.Clock
	logger   *slog.Logger
	kvHealth kv.Health

	mu         sync.Mutex
	startedAt  time.Time
	admissions map[admissionKey]*AdmissionCounts
	cacheOps   map[string]uint64
	partitions map[string]*PartitionStats

	latency    [latencySampleCount]time.Duration
	latencyIdx int
	latencyN   int

	minutes [denialMinuteBuckets]minuteBucket

	otelAdmissions metric.Int64Counter
	otelCacheOps   metric.Int64Counter
	otelPartition  metric.Float64Histogram
}

// New builds a Monitor. kvHealth may be nil when no KV backend is wired.
func New(clk clock.Clock, kvHealth kv.Health, logger *slog.Logger) *Monitor {
	meter := otel.Meter("github.com/stridelab/coachgate/internal/monitor")
	admissionsCtr, _ := meter.Int64Counter("gateway.admissions",
		metric.WithDescription("Admission decisions by tier, class, and outcome"))
	cacheCtr, _ := meter.Int64Counter("gateway.cache.ops",
		metric.WithDescription("Cache operations by family and op"))
	partitionHist, _ := meter.Float64Histogram("gateway.partition.query.seconds",
		metric.WithDescription("Knowledge partition query latency"))

	return &Monitor{
		clock:          clk,
		logger:         logger,
		kvHealth:       kvHealth,
		startedAt:      clk.Now(),
		admissions:     make(map[admissionKey]*AdmissionCounts),
		cacheOps:       make(map[string]uint64),
		partitions:     make(map[string]*PartitionStats),
		otelAdmissions: admissionsCtr,
		otelCacheOps:   cacheCtr,
		otelPartition:  partitionHist,
	}
}

// RecordDecision counts one admission decision.
func (m *Monitor) RecordDecision(d ratelimit.Decision) {
	outcome := OutcomeAdmitted
	switch {
	case d.FailOpen:
		outcome = OutcomeFailOpen
	case !d.Allowed:
		outcome = OutcomeDenied
	}

	now := m.clock.Now()

	m.mu.Lock()
	key := admissionKey{Tier: d.Tier, Class: d.Class}
	c := m.admissions[key]
	if c == nil {
		c = &AdmissionCounts{}
		m.admissions[key] = c
	}
	switch outcome {
	case OutcomeAdmitted:
		c.Admitted++
	case OutcomeDenied:
		c.Denied++
	case OutcomeFailOpen:
		c.FailOpen++
	}

	b := m.bucketLocked(now)
	b.total++
	if outcome == OutcomeDenied {
		b.denied++
	}
	m.mu.Unlock()

	m.otelAdmissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("tier", string(d.Tier)),
		attribute.String("class", string(d.Class)),
		attribute.String("outcome", string(outcome)),
	))
}

// bucketLocked returns the minute bucket for now, recycling the slot if it
// belongs to a stale minute. Caller holds m.mu.
func (m *Monitor) bucketLocked(now time.Time) *minuteBucket {
	minute := now.Unix() / 60
	slot := &m.minutes[minute%denialMinuteBuckets]
	if slot.minute != minute {
		*slot = minuteBucket{minute: minute}
	}
	return slot
}

// CacheEvent counts one cache operation. Implements cache.Recorder.
func (m *Monitor) CacheEvent(family, op string) {
	m.mu.Lock()
	m.cacheOps[family+"/"+op]++
	m.mu.Unlock()

	m.otelCacheOps.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("family", family),
		attribute.String("op", op),
	))
}

// PartitionQuery records one knowledge partition query. Implements
// retrieval.Recorder.
func (m *Monitor) PartitionQuery(partition string, elapsed time.Duration, failed bool) {
	m.mu.Lock()
	st := m.partitions[partition]
	if st == nil {
		st = &PartitionStats{}
		m.partitions[partition] = st
	}
	st.Queries++
	if failed {
		st.Failures++
	}
	m.latency[m.latencyIdx] = elapsed
	m.latencyIdx = (m.latencyIdx + 1) % latencySampleCount
	if m.latencyN < latencySampleCount {
		m.latencyN++
	}
	m.mu.Unlock()

	m.otelPartition.Record(context.Background(), elapsed.Seconds(), metric.WithAttributes(
		attribute.String("partition", partition),
		attribute.Bool("failed", failed),
	))
}

// percentileLocked estimates the p-th percentile of the latency ring.
// Caller holds m.mu.
func (m *Monitor) percentileLocked(p float64) time.Duration {
	if m.latencyN == 0 {
		return 0
	}
	samples := make([]time.Duration, m.latencyN)
	copy(samples, m.latency[:m.latencyN])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	idx := int(float64(m.latencyN-1) * p)
	return samples[idx]
}

// denialRateLocked returns (rate, total) over the trailing window. Caller
// holds m.mu.
func (m *Monitor) denialRateLocked(now time.Time) (float64, uint64) {
	minute := now.Unix() / 60
	oldest := minute - int64(denialRateWindow/time.Minute)

	var total, denied uint64
	for i := range m.minutes {
		b := &m.minutes[i]
		if b.minute > oldest && b.minute <= minute {
			total += b.total
			denied += b.denied
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(denied) / float64(total), total
}
