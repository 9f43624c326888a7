package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/osbornesec/ccobservatory/pkg/database"
	"github.com/osbornesec/ccobservatory/pkg/pipeline"
	"github.com/osbornesec/ccobservatory/pkg/version"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                              `json:"status"`
	Version    string                              `json:"version"`
	Components map[string]pipeline.ComponentHealth `json:"components"`
	Database   *database.HealthStatus              `json:"database,omitempty"`
}

// healthHandler handles GET /health. The pipeline's component checks
// decide the overall status; database pool statistics are attached when
// a pool is available. A degraded report still answers 200 so probes
// don't restart a service that is merely behind on its SLA.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:     pipeline.HealthOK,
		Version:    version.GitCommit,
		Components: map[string]pipeline.ComponentHealth{},
	}

	if s.pipe != nil {
		health := s.pipe.CheckHealth(reqCtx)
		resp.Status = health.Status
		resp.Components = health.Components
	}

	if s.db != nil {
		dbHealth, err := database.Health(reqCtx, s.db)
		resp.Database = dbHealth
		if err != nil {
			resp.Status = pipeline.HealthUnavailable
		}
	}

	httpStatus := http.StatusOK
	if resp.Status == pipeline.HealthUnavailable {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
