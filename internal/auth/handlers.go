package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditscore/internal/logging"
	"github.com/mbd888/creditscore/internal/validation"
)

// Handler provides HTTP endpoints for auth management
type Handler struct {
	manager *Manager
	logins  *LoginGuard
	now     func() time.Time
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m, logins: NewLoginGuard(), now: time.Now}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.POST("/auth/keys", h.Login)
}

// RegisterProtectedRoutes sets up auth-required key management routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.GetCurrentAccount)
	r.GET("/auth/keys", h.ListKeys)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"login": gin.H{
			"endpoint": "POST /v1/auth/keys",
			"message":  "creditscore:login:<lowercase address>:<unix timestamp>",
			"signing":  "EIP-191 personal_sign",
			"window":   LoginWindow.String(),
		},
		"publicEndpoints": []string{
			"GET /credit-score/:address",
			"GET /v1/accounts",
			"GET /v1/accounts/:address",
			"GET /v1/accounts/:address/history",
			"GET /v1/owner",
			"GET /v1/info",
			"GET /v1/stream/stats",
			"GET /ws",
		},
		"protectedEndpoints": []string{
			"PUT /v1/accounts/:address/:field",
			"POST /integrate-external-data",
			"POST /v1/admin/integrate",
			"GET /v1/accounts/:address/webhooks",
			"POST /v1/accounts/:address/webhooks",
			"DELETE /v1/accounts/:address/webhooks/:webhookId",
			"POST /v1/admin/feed/run",
			"GET /v1/admin/breakers",
			"POST /v1/admin/breakers/:key/reset",
		},
	})
}

// LoginRequest is the request body for minting a key with a wallet signature
type LoginRequest struct {
	Address   string `json:"address" binding:"required"`
	Timestamp int64  `json:"timestamp" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	Name      string `json:"name"`
}

// Login verifies a signed login message and returns a new API key
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "address, timestamp and signature are required",
		})
		return
	}

	errs := validation.Validate(
		validation.ValidAddress("address", validation.SanitizeAddress(req.Address)),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	account, _ := validation.ParseAddress("address", req.Address)

	if err := VerifyLogin(account, req.Timestamp, req.Signature, h.now()); err != nil {
		logging.L(c.Request.Context()).Warn("login rejected", "address", accountKey(account), "error", err)
		status := http.StatusUnauthorized
		if errors.Is(err, ErrSignatureExpired) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "unauthorized",
			"message": err.Error(),
		})
		return
	}
	if !h.logins.Accept(account, req.Timestamp, h.now()) {
		logging.L(c.Request.Context()).Warn("login replay rejected", "address", accountKey(account), "timestamp", req.Timestamp)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": ErrSignatureReplayed.Error(),
		})
		return
	}

	name := validation.SanitizeString(req.Name, validation.MaxNameLength)
	if name == "" {
		name = "Wallet login"
	}
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), account, name)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":    rawKey,
		"keyId":     key.ID,
		"account":   key.Account,
		"name":      key.Name,
		"expiresAt": key.ExpiresAt,
		"warning":   "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Address())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Address()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// GetCurrentAccount returns info about the authenticated key
func (h *Handler) GetCurrentAccount(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   key.Account,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
