package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/osbornesec/ccobservatory/pkg/version"
)

var processStart = time.Now()

// SystemResponse is returned by GET /api/system.
type SystemResponse struct {
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryTotalMB  float64 `json:"memory_total_mb"`
	MemoryUsedMB   float64 `json:"memory_used_mb"`
	ProcessRSSMB   float64 `json:"process_rss_mb"`
	ActiveSessions int     `json:"active_ws_sessions"`
}

// systemHandler handles GET /api/system. Host probes that fail are
// reported as zeros rather than failing the request.
func (s *Server) systemHandler(c *gin.Context) {
	ctx := c.Request.Context()
	resp := SystemResponse{
		Version:       version.Full(),
		UptimeSeconds: time.Since(processStart).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		resp.MemoryTotalMB = float64(vm.Total) / (1 << 20)
		resp.MemoryUsedMB = float64(vm.Used) / (1 << 20)
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil && info != nil {
			resp.ProcessRSSMB = float64(info.RSS) / (1 << 20)
		}
	}
	if s.connManager != nil {
		resp.ActiveSessions = s.connManager.ActiveConnections()
	}

	c.JSON(http.StatusOK, resp)
}
