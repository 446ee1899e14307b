package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the Settlement Engine's HTTP surface.
func (e *Engine) RegisterRoutes(r gin.IRouter) {
	r.POST("/batch/create", e.handleBatchCreate)
	r.POST("/settlement/trigger", e.handleTrigger)
	r.POST("/settlement/start", e.handleStart)
	r.POST("/settlement/stop", e.handleStop)
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// handleBatchCreate builds a pending batch from whatever is currently
// queued for agentAddress and returns it. merchantAddress is optional: when
// omitted, the merchant with the most queued entries is selected. It never
// dispatches the batch; the batch is finished only through /batch/complete
// or /batch/fail.
func (e *Engine) handleBatchCreate(c *gin.Context) {
	var req struct {
		AgentAddress    string `json:"agentAddress"`
		MerchantAddress string `json:"merchantAddress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AgentAddress == "" {
		fail(c, http.StatusBadRequest, "agentAddress is required")
		return
	}

	batch, created := e.CreateBatch(c.Request.Context(), req.AgentAddress, req.MerchantAddress)
	if !created {
		c.JSON(http.StatusOK, gin.H{"success": true, "created": false, "batch": nil})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "created": true, "batch": batch})
}

func (e *Engine) handleTrigger(c *gin.Context) {
	agent := c.Query("agentAddress")

	var batchIDs []string
	if agent != "" {
		batchIDs = e.TriggerSettlement(c.Request.Context(), agent)
	} else {
		batchIDs = e.TriggerAll(c.Request.Context())
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "batchIds": batchIDs})
}

func (e *Engine) handleStart(c *gin.Context) {
	e.Start()
	c.JSON(http.StatusOK, gin.H{"success": true, "running": e.Running()})
}

func (e *Engine) handleStop(c *gin.Context) {
	e.Stop()
	c.JSON(http.StatusOK, gin.H{"success": true, "running": e.Running()})
}
