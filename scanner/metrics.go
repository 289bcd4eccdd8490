package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the OpenTelemetry instruments recorded around every scan.
type Instruments struct {
	scans    metric.Int64Counter
	matches  metric.Int64Counter
	bytes    metric.Int64Histogram
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstruments registers the scan instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var (
		inst Instruments
		err  error
	)
	if inst.scans, err = meter.Int64Counter("memscan_scan_total"); err != nil {
		return nil, err
	}
	if inst.matches, err = meter.Int64Counter("memscan_scan_matches_total"); err != nil {
		return nil, err
	}
	if inst.bytes, err = meter.Int64Histogram("memscan_scan_bytes"); err != nil {
		return nil, err
	}
	if inst.duration, err = meter.Float64Histogram("memscan_scan_duration_seconds"); err != nil {
		return nil, err
	}
	if inst.errors, err = meter.Int64Counter("memscan_scan_errors_total"); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (i *Instruments) record(ctx context.Context, mode string, scanned, matched int, d time.Duration, err error) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("mode", mode))
	if err != nil {
		i.errors.Add(ctx, 1, attrs)
		return
	}
	i.scans.Add(ctx, 1, attrs)
	i.matches.Add(ctx, int64(matched), attrs)
	i.bytes.Record(ctx, int64(scanned), attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
}

// latencyBounds are the upper bounds of the collector's latency buckets; the last
// bucket is unbounded.
var latencyBounds = []time.Duration{time.Millisecond, 10 * time.Millisecond, 100 * time.Millisecond, time.Second}

// recentWindow is how far back the throughput figures of a snapshot look.
const recentWindow = time.Minute

// MetricsCollector keeps in-process scan statistics for the stats endpoint. It is
// safe for concurrent use.
type MetricsCollector struct {
	mu sync.Mutex

	scans, matches, bytes, errors int64
	latency                       []int64
	ruleHits                      map[string]int64

	// recent is a ring of the last len(recent) scans; next is the slot to overwrite.
	recent []sample
	next   int
	filled bool
	now    func() time.Time
}

type sample struct {
	at    time.Time
	bytes int64
}

// NewMetricsCollector returns an empty collector remembering the last 1024 scans
// for throughput.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		latency:  make([]int64, len(latencyBounds)+1),
		ruleHits: make(map[string]int64),
		recent:   make([]sample, 1024),
		now:      time.Now,
	}
}

// RecordScan records one completed search.
func (m *MetricsCollector) RecordScan(duration time.Duration, matches int, bytesScanned int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans++
	m.matches += int64(matches)
	m.bytes += bytesScanned
	m.latency[latencyBucket(duration)]++

	m.recent[m.next] = sample{at: m.now(), bytes: bytesScanned}
	m.next = (m.next + 1) % len(m.recent)
	if m.next == 0 {
		m.filled = true
	}
}

// RecordRuleHits counts matches per rule ID.
func (m *MetricsCollector) RecordRuleHits(matches []RuleMatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rm := range matches {
		m.ruleHits[rm.RuleID]++
	}
}

// RecordError counts a rejected or failed search.
func (m *MetricsCollector) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

func latencyBucket(d time.Duration) int {
	for i, bound := range latencyBounds {
		if d < bound {
			return i
		}
	}
	return len(latencyBounds)
}

// GetStats returns a snapshot of the current figures.
func (m *MetricsCollector) GetStats() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalScans:        m.scans,
		TotalMatches:      m.matches,
		TotalBytesScanned: m.bytes,
		TotalErrors:       m.errors,
		LatencyHistogram:  append([]int64(nil), m.latency...),
		TopRules:          m.topNRules(10),
	}

	now := m.now()
	cutoff := now.Add(-recentWindow)
	var oldest time.Time
	var count, total int64
	for _, s := range m.window() {
		if s.at.Before(cutoff) {
			continue
		}
		if oldest.IsZero() || s.at.Before(oldest) {
			oldest = s.at
		}
		count++
		total += s.bytes
	}
	if elapsed := now.Sub(oldest).Seconds(); count > 0 && elapsed > 0 {
		snap.RecentThroughputBPS = float64(total) / elapsed
		snap.RecentScansPerSec = float64(count) / elapsed
	}
	return snap
}

// window returns the recorded samples; mu must be held.
func (m *MetricsCollector) window() []sample {
	if m.filled {
		return m.recent
	}
	return m.recent[:m.next]
}

func (m *MetricsCollector) topNRules(n int) []RuleHitStat {
	stats := lo.MapToSlice(m.ruleHits, func(id string, hits int64) RuleHitStat {
		return RuleHitStat{RuleID: id, Hits: hits}
	})
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Hits != stats[j].Hits {
			return stats[i].Hits > stats[j].Hits
		}
		return stats[i].RuleID < stats[j].RuleID
	})
	if len(stats) > n {
		stats = stats[:n]
	}
	return stats
}

// MetricsSnapshot is a point-in-time view of metrics.
type MetricsSnapshot struct {
	TotalScans          int64         `json:"total_scans"`
	TotalMatches        int64         `json:"total_matches"`
	TotalBytesScanned   int64         `json:"total_bytes_scanned"`
	TotalErrors         int64         `json:"total_errors"`
	LatencyHistogram    []int64       `json:"latency_histogram"`
	RecentThroughputBPS float64       `json:"recent_throughput_bps"`
	RecentScansPerSec   float64       `json:"recent_scans_per_sec"`
	TopRules            []RuleHitStat `json:"top_rules"`
}

// RuleHitStat represents a single rule's hit statistics.
type RuleHitStat struct {
	RuleID string `json:"rule_id"`
	Hits   int64  `json:"hits"`
}
