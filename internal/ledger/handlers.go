package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/deferredpay/facilitator/internal/traces"
	"github.com/deferredpay/facilitator/internal/validation"
)

// RegisterRoutes mounts the Authorization Ledger's agent/merchant-facing
// HTTP surface: submitting and reading authorizations. success is always
// {"success": true, ...}; failure is always
// {"success": false, "error": message} with an appropriate 4xx/5xx status.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/verify", s.handleVerify)
	r.POST("/queue", s.handleQueue)
	r.GET("/list", s.handleList)
	r.GET("/pending", s.handlePending)
	r.GET("/merchants", s.handleMerchants)
	r.GET("/usage", s.handleUsage)
	r.GET("/batches", s.handleBatches)
}

// RegisterAdminRoutes mounts the batch-completion callbacks a Signer (or an
// operator replaying a stuck batch) uses to report settlement outcomes.
// Callers are expected to guard r with an admin-only middleware.
func (s *Service) RegisterAdminRoutes(r gin.IRouter) {
	r.POST("/batch/complete", s.handleBatchComplete)
	r.POST("/batch/fail", s.handleBatchFail)
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func (s *Service) handleVerify(c *gin.Context) {
	var a Authorization
	if err := c.ShouldBindJSON(&a); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("id", a.ID),
		validation.ValidAddress("agentAddress", a.AgentAddress),
		validation.ValidAddress("merchantAddress", a.MerchantAddress),
		validation.ValidAmount("amount", a.Amount),
		validation.ValidCurrency("currency", a.Currency),
		validation.ValidNonce("nonce", a.Nonce),
	); len(errs) > 0 {
		fail(c, http.StatusBadRequest, errs.Error())
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "ledger.verify",
		traces.AuthorizationID(a.ID), traces.AgentAddr(a.AgentAddress),
		traces.MerchantAddr(a.MerchantAddress), traces.Amount(a.Amount))
	defer span.End()

	valid, reason := s.Verify(ctx, a)
	if !valid {
		fail(c, http.StatusBadRequest, reason)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "valid": true})
}

func (s *Service) handleQueue(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		fail(c, http.StatusBadRequest, "id is required")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "ledger.queue", traces.AuthorizationID(req.ID))
	defer span.End()

	success, shouldSettle, reason, err := s.QueueForSettlement(ctx, req.ID)
	if err != nil {
		status := http.StatusBadRequest
		if err == ErrNotFound {
			status = http.StatusNotFound
		}
		fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      success,
		"shouldSettle": shouldSettle,
		"reason":       reason,
	})
}

func (s *Service) handleBatchComplete(c *gin.Context) {
	var req struct {
		BatchID              string `json:"batchId"`
		TransactionSignature string `json:"transactionSignature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" || req.TransactionSignature == "" {
		fail(c, http.StatusBadRequest, "batchId and transactionSignature are required")
		return
	}

	if err := s.CompleteSettlement(c.Request.Context(), req.BatchID, req.TransactionSignature); err != nil {
		status := http.StatusBadRequest
		if err == ErrBatchNotFound {
			status = http.StatusNotFound
		}
		fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleBatchFail(c *gin.Context) {
	var req struct {
		BatchID string `json:"batchId"`
		Error   string `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.BatchID == "" {
		fail(c, http.StatusBadRequest, "batchId is required")
		return
	}

	if err := s.FailSettlement(c.Request.Context(), req.BatchID, req.Error); err != nil {
		status := http.StatusBadRequest
		if err == ErrBatchNotFound {
			status = http.StatusNotFound
		}
		fail(c, status, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Service) handleList(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		fail(c, http.StatusBadRequest, "agentAddress is required")
		return
	}

	auths := s.ListByAgent(agent)
	if status := c.Query("status"); status != "" {
		filtered := make([]Authorization, 0, len(auths))
		for _, a := range auths {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		auths = filtered
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "authorizations": auths})
}

func (s *Service) handlePending(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		fail(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "pending": s.ListPending(agent)})
}

func (s *Service) handleMerchants(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		fail(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "merchants": s.GetPendingMerchants(agent)})
}

func (s *Service) handleUsage(c *gin.Context) {
	agent := c.Query("agentAddress")
	if agent == "" {
		fail(c, http.StatusBadRequest, "agentAddress is required")
		return
	}
	usage, found := s.GetUsage(agent)
	if !found {
		fail(c, http.StatusNotFound, "no usage recorded for agent")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "usage": usage})
}

func (s *Service) handleBatches(c *gin.Context) {
	agent := c.Query("agentAddress")
	c.JSON(http.StatusOK, gin.H{"success": true, "batches": s.ListBatches(agent)})
}
