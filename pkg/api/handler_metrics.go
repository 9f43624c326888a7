package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/osbornesec/ccobservatory/pkg/events"
	"github.com/osbornesec/ccobservatory/pkg/monitor"
	"github.com/osbornesec/ccobservatory/pkg/parser"
	"github.com/osbornesec/ccobservatory/pkg/pipeline"
	"github.com/osbornesec/ccobservatory/pkg/writer"
)

// MetricsResponse is returned by GET /api/metrics.
type MetricsResponse struct {
	Performance *monitor.Summary          `json:"performance,omitempty"`
	Alerts      []monitor.Alert           `json:"alerts"`
	Pipeline    *pipeline.ProcessingStats `json:"pipeline,omitempty"`
	Parser      *parser.Stats             `json:"parser,omitempty"`
	Writer      *writer.Stats             `json:"writer,omitempty"`
	Connections *events.Stats             `json:"connections,omitempty"`
}

// metricsHandler handles GET /api/metrics, collecting counters from
// every pipeline component that is wired in.
func (s *Server) metricsHandler(c *gin.Context) {
	resp := MetricsResponse{Alerts: []monitor.Alert{}}

	if s.monitor != nil {
		summary := s.monitor.Summary()
		resp.Performance = &summary
		if alerts := s.monitor.Alerts(); alerts != nil {
			resp.Alerts = alerts
		}
	}
	if s.pipe != nil {
		stats := s.pipe.Stats()
		resp.Pipeline = &stats
	}
	if s.parser != nil {
		stats := s.parser.Stats()
		resp.Parser = &stats
	}
	if s.writer != nil {
		stats := s.writer.Stats()
		resp.Writer = &stats
	}
	if s.connManager != nil {
		stats := s.connManager.ConnectionStats()
		resp.Connections = &stats
	}

	c.JSON(http.StatusOK, resp)
}
