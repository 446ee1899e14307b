package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the Dispute Manager's agent-facing HTTP surface:
// filing a dispute and listing disputes. Resolving one is an admin
// decision and is mounted separately via RegisterAdminRoutes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/dispute", s.handleCreate)
	r.GET("/disputes", s.handleList)
}

// RegisterAdminRoutes mounts the resolution endpoint. Callers are expected
// to guard r with an admin-only middleware before passing it in.
func (s *Service) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/dispute/resolve", s.handleResolve)
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func (s *Service) handleCreate(c *gin.Context) {
	var req struct {
		AuthorizationID string      `json:"authorizationId"`
		AgentAddress    string      `json:"agentAddress"`
		Reason          string      `json:"reason"`
		Evidence        interface{} `json:"evidence,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AuthorizationID == "" || req.AgentAddress == "" || req.Reason == "" {
		fail(c, http.StatusBadRequest, "authorizationId, agentAddress, and reason are required")
		return
	}

	record, err := s.CreateDispute(c.Request.Context(), req.AuthorizationID, req.AgentAddress, req.Reason, req.Evidence)
	if err != nil {
		status := http.StatusBadRequest
		switch err {
		case ErrAuthorizationNotFound:
			status = http.StatusNotFound
		case ErrAgentMismatch:
			status = http.StatusForbidden
		}
		fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "dispute": record})
}

func (s *Service) handleResolve(c *gin.Context) {
	var req struct {
		DisputeID  string `json:"disputeId"`
		Resolution string `json:"resolution"`
		Note       string `json:"note,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.DisputeID == "" {
		fail(c, http.StatusBadRequest, "disputeId and resolution are required")
		return
	}

	record, err := s.ResolveDispute(c.Request.Context(), req.DisputeID, Resolution(req.Resolution), req.Note)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrDisputeNotFound {
			status = http.StatusNotFound
		}
		fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "dispute": record})
}

func (s *Service) handleList(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, gin.H{"success": true, "disputes": s.ListDisputes(agent)})
}
