package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ProjectSummary is one row of GET /api/projects, aggregated from the
// conversations table.
type ProjectSummary struct {
	ProjectID         string    `json:"project_id"`
	ConversationCount int       `json:"conversation_count"`
	MessageCount      int       `json:"message_count"`
	LastActivity      time.Time `json:"last_activity"`
}

// listProjectsHandler handles GET /api/projects.
func (s *Server) listProjectsHandler(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database not available"})
		return
	}

	rows, err := s.db.QueryContext(c.Request.Context(),
		`SELECT project_id, count(*), coalesce(sum(message_count), 0), max(updated_at)
		 FROM conversations
		 GROUP BY project_id
		 ORDER BY max(updated_at) DESC`)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	defer rows.Close()

	projects := []ProjectSummary{}
	for rows.Next() {
		var p ProjectSummary
		if err := rows.Scan(&p.ProjectID, &p.ConversationCount, &p.MessageCount, &p.LastActivity); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}
