// Package monitor tracks end-to-end pipeline latency against the
// detection SLA and computes summary statistics over bounded sample
// windows.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

// Defaults for the sample window and the detection SLA.
const (
	DefaultBufferSize     = 1000
	DefaultSLAThresholdMs = 100.0
)

// Status summarizes SLA compliance.
type Status string

const (
	StatusOK          Status = "OK"
	StatusDegraded    Status = "DEGRADED"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusNoData      Status = "NO_DATA"
)

// MetricSummary holds descriptive statistics for one metric window.
type MetricSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

// Summary is the full monitor report.
type Summary struct {
	Status             Status        `json:"status"`
	TotalSamples       int64         `json:"total_samples"`
	SLAViolations      int64         `json:"sla_violations"`
	SLAComplianceRate  float64       `json:"sla_compliance_rate"`
	Detection          MetricSummary `json:"detection_latency_ms"`
	Processing         MetricSummary `json:"processing_latency_ms"`
	Throughput         MetricSummary `json:"throughput_msgs_per_sec"`
	RecentDetectionAvg float64       `json:"recent_detection_avg_ms"`
	PeakDetectionMs    float64       `json:"peak_detection_ms"`
	PeakProcessingMs   float64       `json:"peak_processing_ms"`
	PeakThroughput     float64       `json:"peak_throughput"`
	LastReset          time.Time     `json:"last_reset"`
}

// Alert is one warning produced by threshold or trend checks.
type Alert struct {
	Component string    `json:"component"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ring is a fixed-capacity buffer that overwrites oldest entries.
type ring struct {
	data []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{data: make([]float64, 0, capacity)}
}

func (r *ring) push(v float64) {
	if !r.full && len(r.data) < cap(r.data) {
		r.data = append(r.data, v)
		if len(r.data) == cap(r.data) {
			r.full = true
		}
		return
	}
	r.data[r.next] = v
	r.next = (r.next + 1) % len(r.data)
}

// values returns the buffer contents oldest-first.
func (r *ring) values() []float64 {
	out := make([]float64, 0, len(r.data))
	if r.full {
		out = append(out, r.data[r.next:]...)
		out = append(out, r.data[:r.next]...)
		return out
	}
	return append(out, r.data...)
}

// PerformanceMonitor records samples and evaluates the SLA. All methods
// are safe for concurrent use; critical sections are short.
type PerformanceMonitor struct {
	mu sync.Mutex

	slaThresholdMs float64

	detection  *ring
	processing *ring
	throughput *ring
	violated   *ring // 1 for SLA violation, 0 otherwise; parallels detection

	totalSamples     int64
	violations       int64
	peakDetection    float64
	peakProcessing   float64
	peakThroughput   float64
	lastReset        time.Time
}

// New creates a monitor with the given window size and detection SLA.
// Non-positive arguments fall back to the defaults.
func New(bufferSize int, slaThresholdMs float64) *PerformanceMonitor {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if slaThresholdMs <= 0 {
		slaThresholdMs = DefaultSLAThresholdMs
	}
	return &PerformanceMonitor{
		slaThresholdMs: slaThresholdMs,
		detection:      newRing(bufferSize),
		processing:     newRing(bufferSize),
		throughput:     newRing(bufferSize),
		violated:       newRing(bufferSize),
		lastReset:      time.Now().UTC(),
	}
}

// Record adds one sample. Invalid samples are rejected.
func (m *PerformanceMonitor) Record(sample models.PerformanceSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.detection.push(sample.DetectionLatencyMs)
	m.processing.push(sample.ProcessingLatencyMs)
	m.throughput.push(sample.ThroughputMsgsPerSec)
	m.totalSamples++

	violation := sample.DetectionLatencyMs > m.slaThresholdMs
	if violation {
		m.violations++
		m.violated.push(1)
	} else {
		m.violated.push(0)
	}

	m.peakDetection = math.Max(m.peakDetection, sample.DetectionLatencyMs)
	m.peakProcessing = math.Max(m.peakProcessing, sample.ProcessingLatencyMs)
	m.peakThroughput = math.Max(m.peakThroughput, sample.ThroughputMsgsPerSec)
	return nil
}

// Summary computes statistics over the current windows.
func (m *PerformanceMonitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{
		TotalSamples:     m.totalSamples,
		SLAViolations:    m.violations,
		PeakDetectionMs:  m.peakDetection,
		PeakProcessingMs: m.peakProcessing,
		PeakThroughput:   m.peakThroughput,
		LastReset:        m.lastReset,
	}

	if m.totalSamples == 0 {
		s.Status = StatusNoData
		s.SLAComplianceRate = 1
		return s
	}

	s.SLAComplianceRate = 1 - float64(m.violations)/float64(m.totalSamples)
	switch {
	case s.SLAComplianceRate >= 0.99:
		s.Status = StatusOK
	case s.SLAComplianceRate >= 0.95:
		s.Status = StatusDegraded
	default:
		s.Status = StatusUnavailable
	}

	detection := m.detection.values()
	s.Detection = summarize(detection)
	s.Processing = summarize(m.processing.values())
	s.Throughput = summarize(m.throughput.values())
	s.RecentDetectionAvg = mean(tail(detection, recentCount(len(detection))))
	return s
}

// Alerts evaluates the warning rules: a burst of recent violations, a
// high overall violation rate, and a latency trend regression.
func (m *PerformanceMonitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var alerts []Alert

	// Recent burst: violation rate over the last 10 samples.
	flags := m.violated.values()
	if recent := tail(flags, 10); len(recent) == 10 {
		if mean(recent) > 0.10 {
			alerts = append(alerts, Alert{
				Component: "detection_latency",
				Severity:  "warning",
				Message:   "more than 10% of the last 10 samples violated the detection SLA",
				Timestamp: now,
			})
		}
	}

	// Sustained: overall violation rate.
	if m.totalSamples > 0 && float64(m.violations)/float64(m.totalSamples) > 0.05 {
		alerts = append(alerts, Alert{
			Component: "sla",
			Severity:  "warning",
			Message:   "overall SLA violation rate exceeds 5%",
			Timestamp: now,
		})
	}

	// Trend: recent detection mean vs. the earliest samples in window.
	detection := m.detection.values()
	if len(detection) >= 20 {
		early := mean(detection[:10])
		recent := mean(tail(detection, 10))
		if early > 0 && recent > 1.5*early {
			alerts = append(alerts, Alert{
				Component: "trend",
				Severity:  "warning",
				Message:   "recent detection latency exceeds 1.5x the earlier average",
				Timestamp: now,
			})
		}
	}

	return alerts
}

// Reset clears all windows, counters and peaks.
func (m *PerformanceMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	capacity := cap(m.detection.data)
	if capacity == 0 {
		capacity = DefaultBufferSize
	}
	m.detection = newRing(capacity)
	m.processing = newRing(capacity)
	m.throughput = newRing(capacity)
	m.violated = newRing(capacity)
	m.totalSamples = 0
	m.violations = 0
	m.peakDetection = 0
	m.peakProcessing = 0
	m.peakThroughput = 0
	m.lastReset = time.Now().UTC()
}

// SLAThresholdMs returns the configured detection threshold.
func (m *PerformanceMonitor) SLAThresholdMs() float64 {
	return m.slaThresholdMs
}

// recentCount is 10% of the window, at least one sample.
func recentCount(n int) int {
	c := n / 10
	if c < 1 {
		c = 1
	}
	return c
}

func tail(v []float64, n int) []float64 {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func summarize(v []float64) MetricSummary {
	if len(v) == 0 {
		return MetricSummary{}
	}

	sorted := make([]float64, len(v))
	copy(sorted, v)
	sort.Float64s(sorted)

	mu := mean(sorted)
	var variance float64
	for _, x := range sorted {
		d := x - mu
		variance += d * d
	}
	variance /= float64(len(sorted))

	return MetricSummary{
		Count:  len(sorted),
		Min:    sorted[0],
		Mean:   mu,
		Median: percentile(sorted, 0.50),
		P95:    percentile(sorted, 0.95),
		P99:    percentile(sorted, 0.99),
		StdDev: math.Sqrt(variance),
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
