package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbornesec/ccobservatory/pkg/models"
)

func sample(detectionMs float64) models.PerformanceSample {
	return models.PerformanceSample{
		DetectionLatencyMs:   detectionMs,
		ProcessingLatencyMs:  5,
		ThroughputMsgsPerSec: 100,
		Timestamp:            time.Now(),
	}
}

func TestRecord_RejectsInvalidSample(t *testing.T) {
	m := New(10, 100)
	err := m.Record(models.PerformanceSample{DetectionLatencyMs: -1, ProcessingLatencyMs: 1})
	assert.Error(t, err)
	assert.Equal(t, int64(0), m.Summary().TotalSamples)
}

func TestSummary_NoData(t *testing.T) {
	m := New(10, 100)
	s := m.Summary()
	assert.Equal(t, StatusNoData, s.Status)
	assert.Equal(t, int64(0), s.TotalSamples)
	assert.Equal(t, 1.0, s.SLAComplianceRate)
}

func TestSummary_StatusThresholds(t *testing.T) {
	// 100 samples, 1 violation → 99% compliance → OK.
	m := New(1000, 100)
	for i := 0; i < 99; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	require.NoError(t, m.Record(sample(500)))
	assert.Equal(t, StatusOK, m.Summary().Status)

	// 4 violations in 100 → 96% → DEGRADED.
	m = New(1000, 100)
	for i := 0; i < 96; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Record(sample(500)))
	}
	assert.Equal(t, StatusDegraded, m.Summary().Status)

	// 10 violations in 100 → 90% → UNAVAILABLE.
	m = New(1000, 100)
	for i := 0; i < 90; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(sample(500)))
	}
	assert.Equal(t, StatusUnavailable, m.Summary().Status)
}

func TestSummary_Statistics(t *testing.T) {
	m := New(100, 1000)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		require.NoError(t, m.Record(sample(v)))
	}

	s := m.Summary()
	assert.Equal(t, 5, s.Detection.Count)
	assert.Equal(t, 10.0, s.Detection.Min)
	assert.Equal(t, 30.0, s.Detection.Mean)
	assert.Equal(t, 30.0, s.Detection.Median)
	assert.Equal(t, 50.0, s.Detection.P95)
	assert.Equal(t, 50.0, s.Detection.P99)
	assert.InDelta(t, 14.142, s.Detection.StdDev, 0.01)
	assert.Equal(t, 50.0, s.PeakDetectionMs)
}

func TestSummary_RecentAverageUsesLastTenPercent(t *testing.T) {
	m := New(100, 10000)
	for i := 0; i < 90; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(sample(200)))
	}

	s := m.Summary()
	// Last 10% of a full 100-sample window is exactly the ten 200ms samples.
	assert.Equal(t, 200.0, s.RecentDetectionAvg)
}

func TestRingBuffer_OverwritesOldest(t *testing.T) {
	m := New(5, 10000)
	for _, v := range []float64{1, 2, 3, 4, 5, 6, 7} {
		require.NoError(t, m.Record(sample(v)))
	}

	s := m.Summary()
	assert.Equal(t, 5, s.Detection.Count)
	assert.Equal(t, 3.0, s.Detection.Min)
	assert.Equal(t, int64(7), s.TotalSamples)
	// Peaks are monotonic, not windowed.
	assert.Equal(t, 7.0, s.PeakDetectionMs)
}

func TestAlerts_RecentBurst(t *testing.T) {
	m := New(100, 100)
	for i := 0; i < 8; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	require.NoError(t, m.Record(sample(500)))
	require.NoError(t, m.Record(sample(500)))

	alerts := m.Alerts()
	found := false
	for _, a := range alerts {
		if a.Component == "detection_latency" {
			found = true
		}
	}
	assert.True(t, found, "expected a recent-burst alert, got %+v", alerts)
}

func TestAlerts_OverallRate(t *testing.T) {
	m := New(100, 100)
	for i := 0; i < 9; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	require.NoError(t, m.Record(sample(500)))

	found := false
	for _, a := range m.Alerts() {
		if a.Component == "sla" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAlerts_TrendRegression(t *testing.T) {
	m := New(100, 100000)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Record(sample(100)))
	}

	found := false
	for _, a := range m.Alerts() {
		if a.Component == "trend" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestAlerts_QuietWhenHealthy(t *testing.T) {
	m := New(100, 100)
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Record(sample(10)))
	}
	assert.Empty(t, m.Alerts())
}

func TestReset(t *testing.T) {
	m := New(100, 100)
	require.NoError(t, m.Record(sample(500)))
	before := m.Summary().LastReset

	time.Sleep(5 * time.Millisecond)
	m.Reset()

	s := m.Summary()
	assert.Equal(t, StatusNoData, s.Status)
	assert.Equal(t, int64(0), s.TotalSamples)
	assert.Equal(t, int64(0), s.SLAViolations)
	assert.Equal(t, 0.0, s.PeakDetectionMs)
	assert.True(t, s.LastReset.After(before))
}
