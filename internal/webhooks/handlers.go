package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditscore/internal/auth"
	"github.com/mbd888/creditscore/internal/idgen"
	"github.com/mbd888/creditscore/internal/logging"
	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/security"
	"github.com/mbd888/creditscore/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(ctx context.Context, rawURL string) error
	now          func() time.Time
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// RegisterRoutes sets up webhook routes. r must already require
// authentication; each route additionally requires the key to be bound to
// :address.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	address := validation.AddressParamMiddleware()
	owner := auth.RequireOwnership("address")
	r.POST("/accounts/:address/webhooks", address, owner, h.CreateWebhook)
	r.GET("/accounts/:address/webhooks", address, owner, h.ListWebhooks)
	r.DELETE("/accounts/:address/webhooks/:webhookId", address, owner, h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL   string   `json:"url" binding:"required"`
	Kinds []string `json:"kinds"`
}

// CreateWebhook handles POST /v1/accounts/:address/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	account := validation.AddressParam(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include a url",
		})
		return
	}

	kinds := make([]profile.EventKind, 0, len(req.Kinds))
	for _, k := range req.Kinds {
		kind := profile.EventKind(k)
		if kind != profile.KindSelfUpdate && kind != profile.KindIntegration {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "kinds may contain only self_update and integration",
			})
			return
		}
		kinds = append(kinds, kind)
	}

	if err := h.urlValidator(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Account:   profile.Key(account),
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		if errors.Is(err, ErrLimitReached) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "limit_reached",
				"message": "An account may register at most 5 webhooks",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to create webhook", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded after the sha256= prefix",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/accounts/:address/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	account := validation.AddressParam(c)

	subs, err := h.store.ListByAccount(c.Request.Context(), profile.Key(account))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list webhooks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	// Secret is never serialized.
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /v1/accounts/:address/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	account := validation.AddressParam(c)
	ctx := c.Request.Context()
	id := c.Param("webhookId")

	sub, err := h.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Account != profile.Key(account)) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(ctx, id)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		logging.L(ctx).Error("failed to delete webhook", "webhook", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}
