package monitor

import (
	"fmt"
	"time"
)

// Summary is the /summary payload: a point-in-time view of every counter
// the monitor holds.
type Summary struct {
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Admissions    map[string]AdmissionCounts `json:"admissions"`
	Totals        AdmissionCounts            `json:"totals"`
	DenialRate5m  float64                    `json:"denial_rate_5m"`
	Cache         map[string]uint64          `json:"cache"`
	Partitions    map[string]PartitionStats  `json:"partitions"`
	Latency       LatencySummary             `json:"partition_latency"`
	KV            KVSummary                  `json:"kv"`
}

// LatencySummary holds percentile estimates over the latency sample ring.
type LatencySummary struct {
	Samples int   `json:"samples"`
	P50Ms   int64 `json:"p50_ms"`
	P95Ms   int64 `json:"p95_ms"`
}

// KVSummary reports the KV backend's health as seen by the adapter.
type KVSummary struct {
	Healthy             bool  `json:"healthy"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
}

// Alert is one fired alert predicate.
type Alert struct {
	Name      string  `json:"name"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Summary snapshots all counters.
func (m *Monitor) Summary() Summary {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	admissions := make(map[string]AdmissionCounts, len(m.admissions))
	var totals AdmissionCounts
	for key, c := range m.admissions {
		admissions[fmt.Sprintf("%s/%s", key.Tier, key.Class)] = *c
		totals.Admitted += c.Admitted
		totals.Denied += c.Denied
		totals.FailOpen += c.FailOpen
	}

	cacheOps := make(map[string]uint64, len(m.cacheOps))
	for k, v := range m.cacheOps {
		cacheOps[k] = v
	}

	partitions := make(map[string]PartitionStats, len(m.partitions))
	for k, v := range m.partitions {
		partitions[k] = *v
	}

	rate, _ := m.denialRateLocked(now)

	s := Summary{
		UptimeSeconds: int64(now.Sub(m.startedAt) / time.Second),
		Admissions:    admissions,
		Totals:        totals,
		DenialRate5m:  rate,
		Cache:         cacheOps,
		Partitions:    partitions,
		Latency: LatencySummary{
			Samples: m.latencyN,
			P50Ms:   m.percentileLocked(0.50).Milliseconds(),
			P95Ms:   m.percentileLocked(0.95).Milliseconds(),
		},
	}
	if m.kvHealth != nil {
		s.KV = KVSummary{
			Healthy:             m.kvHealth.Healthy(),
			ConsecutiveFailures: m.kvHealth.ConsecutiveFailures(),
		}
	} else {
		s.KV = KVSummary{Healthy: true}
	}
	return s
}

// Alerts evaluates every alert predicate against current state and returns
// the ones that fire. An empty slice means all clear.
func (m *Monitor) Alerts() []Alert {
	now := m.clock.Now()

	m.mu.Lock()
	rate, total := m.denialRateLocked(now)
	p95 := m.percentileLocked(0.95)
	m.mu.Unlock()

	alerts := make([]Alert, 0, 3)

	if total > 0 && rate > denialRateThreshold {
		alerts = append(alerts, Alert{
			Name: "denial_rate_high",
			Message: fmt.Sprintf("%.0f%% of requests denied over the last %s",
				rate*100, denialRateWindow),
			Value:     rate,
			Threshold: denialRateThreshold,
		})
	}

	if m.kvHealth != nil {
		if fails := m.kvHealth.ConsecutiveFailures(); fails > kvFailureThreshold {
			alerts = append(alerts, Alert{
				Name:      "kv_unavailable",
				Message:   fmt.Sprintf("%d consecutive KV failures, admissions failing open", fails),
				Value:     float64(fails),
				Threshold: kvFailureThreshold,
			})
		}
	}

	if p95 > latencyP95Threshold {
		alerts = append(alerts, Alert{
			Name:      "partition_latency_high",
			Message:   fmt.Sprintf("partition query p95 %s exceeds %s", p95, latencyP95Threshold),
			Value:     p95.Seconds(),
			Threshold: latencyP95Threshold.Seconds(),
		})
	}

	return alerts
}
