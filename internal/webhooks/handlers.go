package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/deferredpay/facilitator/internal/idgen"
	"github.com/deferredpay/facilitator/internal/security"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store      Store
	dispatcher *Dispatcher
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
	}
}

// RegisterRoutes sets up webhook routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:address/webhooks", h.CreateWebhook)
	r.GET("/agents/:address/webhooks", h.ListWebhooks)
	r.DELETE("/agents/:address/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /agents/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	address := c.Param("address")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Validate webhook URL to prevent SSRF attacks
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	// Validate events against known types
	validEvents := map[EventType]bool{
		EventAuthorizationVerified: true,
		EventAuthorizationExpired:  true,
		EventAuthorizationDisputed: true,
		EventSettlementCompleted:   true,
		EventSettlementFailed:      true,
		EventDisputeCreated:        true,
		EventDisputeResolved:       true,
	}
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !validEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event_type",
				"message": fmt.Sprintf("Unknown event type: %s", e),
			})
			return
		}
		events = append(events, et)
	}

	// Generate ID and secret
	id := idgen.WithPrefix("wh_")
	secret := generateSecret()

	sub := &Subscription{
		ID:        id,
		AgentAddr: address,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Facilitator-Signature",
		},
	})
}

// ListWebhooks handles GET /agents/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	address := c.Param("address")

	subs, err := h.store.GetByAgent(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	// Don't expose secrets
	webhooks := make([]gin.H, len(subs))
	for i, sub := range subs {
		webhooks[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": webhooks,
	})
}

// DeleteWebhook handles DELETE /agents/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	address := c.Param("address")
	webhookID := c.Param("webhookId")

	// Verify the webhook belongs to this agent before deleting
	webhook, err := h.store.Get(c.Request.Context(), webhookID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if webhook.AgentAddr != address {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Webhook does not belong to this agent",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), webhookID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.Status(http.StatusNoContent)
}

func generateSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
