package monitoring

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the Monitoring component's HTTP surface, plus the
// top-level /health endpoint, which serves the same SystemHealth projection
// as /monitoring/health.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/monitoring/dashboard", s.handleDashboard)
	r.GET("/monitoring/metrics", s.handleMetrics)
	r.GET("/monitoring/agent/:agent", s.handleAgent)
	r.GET("/monitoring/agents", s.handleAgents)
	r.GET("/monitoring/health", s.handleHealth)
	r.GET("/monitoring/history", s.handleHistory)
	r.GET("/health", s.handleHealth)
}

func (s *Service) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"payments":   s.PaymentMetrics(),
		"settlement": s.SettlementMetrics(),
		"disputes":   s.DisputeMetrics(),
		"health":     s.Health(),
		"agents":     s.AllAgentAnalytics(),
	})
}

func (s *Service) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"payments":   s.PaymentMetrics(),
		"settlement": s.SettlementMetrics(),
		"disputes":   s.DisputeMetrics(),
	})
}

func (s *Service) handleAgent(c *gin.Context) {
	agent := c.Param("agent")
	analytics, found := s.AgentAnalytics(agent)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no activity recorded for agent"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": analytics})
}

func (s *Service) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "agents": s.AllAgentAnalytics()})
}

func (s *Service) handleHealth(c *gin.Context) {
	health := s.Health()
	status := http.StatusOK
	if health.Status == HealthDown {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"success": true, "health": health})
}

func (s *Service) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "history": s.History()})
}
