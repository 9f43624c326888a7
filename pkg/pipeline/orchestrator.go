// Package pipeline wires the transcript watcher, parser, writer, monitor
// and broadcaster into one ingestion loop: a filesystem event comes in,
// the transcript is re-parsed and persisted, a performance sample is
// recorded, and subscribers are notified.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/osbornesec/ccobservatory/pkg/events"
	"github.com/osbornesec/ccobservatory/pkg/models"
	"github.com/osbornesec/ccobservatory/pkg/monitor"
	"github.com/osbornesec/ccobservatory/pkg/parser"
	"github.com/osbornesec/ccobservatory/pkg/writer"
)

// DefaultShutdownGrace bounds how long Stop waits for the event loop to
// drain before giving up.
const DefaultShutdownGrace = 5 * time.Second

// minDetectionLatencyMs floors recorded detection latency so a clock
// running slightly behind the watcher's timestamp can't produce zero or
// negative samples.
const minDetectionLatencyMs = 0.1

// FileEventSource produces filesystem events for the loop to consume.
// Implemented by watcher.Watcher.
type FileEventSource interface {
	Events() <-chan models.FileEvent
	Start(root string) error
	Stop() error
}

// ConversationWriter persists a parsed conversation. Implemented by
// writer.Writer.
type ConversationWriter interface {
	Write(ctx context.Context, conv *models.ConversationData) (string, *writer.WriteMetrics, error)
	Ping(ctx context.Context) error
}

// Broadcaster fans envelopes out to WebSocket subscribers. Implemented
// by events.ConnectionManager.
type Broadcaster interface {
	Broadcast(env *events.Envelope, filter string) []string
	ActiveConnections() int
}

// Component and overall status values reported by CheckHealth.
const (
	HealthOK          = "healthy"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unhealthy"
)

// Config tunes the orchestrator.
type Config struct {
	WatchRoot     string
	ShutdownGrace time.Duration
}

// ProcessingStats are the loop's cumulative counters.
type ProcessingStats struct {
	FilesProcessed         int64      `json:"files_processed"`
	ProcessingErrors       int64      `json:"processing_errors"`
	ConversationsPersisted int64      `json:"conversations_persisted"`
	MessagesPersisted      int64      `json:"messages_persisted"`
	LastProcessedAt        *time.Time `json:"last_processed_at,omitempty"`
}

// ComponentHealth is one component's slice of the health report.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health aggregates component health into an overall status: healthy
// only when every component is, unhealthy when any component is, and
// degraded in between.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

// Orchestrator owns the ingestion loop.
type Orchestrator struct {
	source      FileEventSource
	parser      *parser.Parser
	writer      ConversationWriter
	monitor     *monitor.PerformanceMonitor
	broadcaster Broadcaster

	watchRoot string
	grace     time.Duration

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	loopDone chan struct{}

	statsMu sync.Mutex
	stats   ProcessingStats
}

// New assembles an orchestrator from its components.
func New(cfg Config, source FileEventSource, p *parser.Parser, w ConversationWriter, m *monitor.PerformanceMonitor, b Broadcaster) *Orchestrator {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Orchestrator{
		source:      source,
		parser:      p,
		writer:      w,
		monitor:     m,
		broadcaster: b,
		watchRoot:   cfg.WatchRoot,
		grace:       cfg.ShutdownGrace,
	}
}

// Start begins watching and processing. Calling Start on a running
// orchestrator is an error.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("pipeline already started")
	}

	if err := o.source.Start(o.watchRoot); err != nil {
		return fmt.Errorf("start file watcher: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.loopDone = make(chan struct{})
	o.started = true

	go o.run(loopCtx)
	slog.Info("Pipeline started", "watch_root", o.watchRoot)
	return nil
}

// Stop halts the watcher and waits up to the grace period for the loop
// to finish its in-flight event. Safe to call more than once.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	done := o.loopDone
	o.mu.Unlock()

	if err := o.source.Stop(); err != nil {
		slog.Warn("File watcher stop error", "error", err)
	}
	cancel()

	select {
	case <-done:
		slog.Info("Pipeline stopped")
	case <-time.After(o.grace):
		slog.Warn("Pipeline shutdown grace exceeded; abandoning in-flight work",
			"grace", o.grace)
	}
}

// Stats returns a snapshot of the loop's counters.
func (o *Orchestrator) Stats() ProcessingStats {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	return o.stats
}

// CheckHealth probes each component and aggregates the result.
func (o *Orchestrator) CheckHealth(ctx context.Context) Health {
	components := make(map[string]ComponentHealth)

	o.mu.Lock()
	running := o.started
	done := o.loopDone
	o.mu.Unlock()
	if running {
		components["filesystem"] = ComponentHealth{Status: HealthOK}
	} else {
		components["filesystem"] = ComponentHealth{Status: HealthUnavailable, Detail: "watcher not running"}
	}

	components["observer"] = o.observerHealth(running, done)

	if err := o.writer.Ping(ctx); err != nil {
		components["database"] = ComponentHealth{Status: HealthUnavailable, Detail: err.Error()}
	} else {
		components["database"] = ComponentHealth{Status: HealthOK}
	}

	components["websocket"] = ComponentHealth{
		Status: HealthOK,
		Detail: fmt.Sprintf("%d active connections", o.broadcaster.ActiveConnections()),
	}

	overall := HealthOK
	for _, c := range components {
		switch c.Status {
		case HealthUnavailable:
			overall = HealthUnavailable
		case HealthDegraded:
			if overall == HealthOK {
				overall = HealthDegraded
			}
		}
	}
	return Health{Status: overall, Components: components}
}

// observerHealth reports the event loop and the monitor's SLA view. A
// stopped or exited loop is unavailable; otherwise the monitor's status
// decides the tier, with NO_DATA counting as healthy.
func (o *Orchestrator) observerHealth(running bool, done chan struct{}) ComponentHealth {
	if !running {
		return ComponentHealth{Status: HealthUnavailable, Detail: "event loop not running"}
	}
	select {
	case <-done:
		return ComponentHealth{Status: HealthUnavailable, Detail: "event loop exited"}
	default:
	}

	summary := o.monitor.Summary()
	switch summary.Status {
	case monitor.StatusDegraded:
		return ComponentHealth{
			Status: HealthDegraded,
			Detail: fmt.Sprintf("SLA compliance %.2f", summary.SLAComplianceRate),
		}
	case monitor.StatusUnavailable:
		return ComponentHealth{
			Status: HealthUnavailable,
			Detail: fmt.Sprintf("SLA compliance %.2f", summary.SLAComplianceRate),
		}
	default:
		return ComponentHealth{Status: HealthOK}
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.source.Events():
			if !ok {
				return
			}
			o.process(ctx, ev)
		}
	}
}

// process handles one filesystem event end to end. Errors are counted
// and logged but never stop the loop.
func (o *Orchestrator) process(ctx context.Context, ev models.FileEvent) {
	if ev.Kind != models.FileCreated && ev.Kind != models.FileModified {
		return
	}
	// The watcher only emits transcript paths, but other event sources
	// may not be as careful.
	if !strings.HasSuffix(ev.SrcPath, ".jsonl") {
		return
	}

	start := time.Now()
	detectionMs := float64(start.Sub(ev.DetectedAt).Microseconds()) / 1000.0
	if detectionMs < minDetectionLatencyMs {
		detectionMs = minDetectionLatencyMs
	}

	conv, err := o.parser.ParseFile(ev.SrcPath)
	if err != nil {
		o.recordError()
		slog.Warn("Transcript parse failed",
			"path", ev.SrcPath, "error", err)
		return
	}
	conv.ProjectID = projectIDFor(ev.SrcPath)

	convID, metrics, err := o.writer.Write(ctx, conv)
	if err != nil {
		o.recordError()
		slog.Error("Conversation write failed",
			"path", ev.SrcPath, "project_id", conv.ProjectID, "error", err)
		return
	}

	processingMs := float64(time.Since(start).Microseconds()) / 1000.0
	throughput := 0.0
	if processingMs > 0 {
		throughput = float64(len(conv.Messages)) / (processingMs / 1000.0)
	}

	sample := models.PerformanceSample{
		DetectionLatencyMs:   detectionMs,
		ProcessingLatencyMs:  processingMs,
		ThroughputMsgsPerSec: throughput,
		Timestamp:            time.Now().UTC(),
	}
	if err := o.monitor.Record(sample); err != nil {
		slog.Warn("Dropping invalid performance sample", "error", err)
	}

	o.statsMu.Lock()
	o.stats.FilesProcessed++
	o.stats.ConversationsPersisted++
	o.stats.MessagesPersisted += metrics.MessagesWritten
	now := time.Now().UTC()
	o.stats.LastProcessedAt = &now
	o.statsMu.Unlock()

	o.broadcaster.Broadcast(&events.Envelope{
		Type: events.EventTypeFileMonitoring,
		Data: map[string]any{
			"event_id":   ev.EventID,
			"kind":       string(ev.Kind),
			"file_path":  ev.SrcPath,
			"project_id": conv.ProjectID,
		},
	}, events.SubFileEvents)

	convType := events.EventTypeConversationUpdate
	if metrics.Created {
		convType = events.EventTypeNewConversation
	}
	o.broadcaster.Broadcast(&events.Envelope{
		Type: convType,
		Data: map[string]any{
			"conversation_id":  convID,
			"project_id":       conv.ProjectID,
			"session_id":       conv.SessionID,
			"message_count":    conv.MessageCount,
			"messages_written": metrics.MessagesWritten,
			"file_path":        conv.FilePath,
		},
	}, events.ProjectChannel(conv.ProjectID))

	slog.Debug("Transcript processed",
		"path", ev.SrcPath,
		"conversation_id", convID,
		"detection_ms", detectionMs,
		"processing_ms", processingMs)
}

func (o *Orchestrator) recordError() {
	o.statsMu.Lock()
	o.stats.ProcessingErrors++
	o.statsMu.Unlock()
}

// projectIDFor derives the project identifier from the transcript's
// location: the name of the directory containing the file.
func projectIDFor(path string) string {
	return filepath.Base(filepath.Dir(path))
}
