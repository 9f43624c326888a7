package models

import (
	"fmt"
	"time"
)

// PerformanceSample is one end-to-end processing observation recorded by
// the pipeline after ingesting a file.
type PerformanceSample struct {
	DetectionLatencyMs   float64   `json:"detection_latency_ms"`
	ProcessingLatencyMs  float64   `json:"processing_latency_ms"`
	ThroughputMsgsPerSec float64   `json:"throughput_msgs_per_sec"`
	Timestamp            time.Time `json:"timestamp"`
}

// Validate checks the sample's range invariants.
func (s PerformanceSample) Validate() error {
	if s.DetectionLatencyMs <= 0 {
		return fmt.Errorf("performance sample: detection_latency_ms must be > 0, got %v", s.DetectionLatencyMs)
	}
	if s.ProcessingLatencyMs <= 0 {
		return fmt.Errorf("performance sample: processing_latency_ms must be > 0, got %v", s.ProcessingLatencyMs)
	}
	if s.ThroughputMsgsPerSec < 0 {
		return fmt.Errorf("performance sample: throughput_msgs_per_sec must be >= 0, got %v", s.ThroughputMsgsPerSec)
	}
	return nil
}
