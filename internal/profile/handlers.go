package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditscore/internal/auth"
	"github.com/mbd888/creditscore/internal/logging"
	"github.com/mbd888/creditscore/internal/validation"
)

// Handler provides HTTP endpoints for credit profiles.
type Handler struct {
	service *Service
}

// NewHandler creates a new profile handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterCompatRoutes sets up the unversioned routes kept for existing
// clients. The integrate route checks the caller itself, so the group must
// run auth.Middleware.
func (h *Handler) RegisterCompatRoutes(r gin.IRoutes) {
	r.GET("/credit-score/:address", validation.AddressParamMiddleware(), h.GetCreditScore)
	r.POST("/integrate-external-data", h.IntegrateExternalDataCompat)
}

// RegisterRoutes sets up public (read-only) profile routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts", h.ListProfiles)
	r.GET("/accounts/:address", validation.AddressParamMiddleware(), h.GetProfile)
	r.GET("/accounts/:address/history", validation.AddressParamMiddleware(), h.GetHistory)
	r.GET("/owner", h.GetOwner)
}

// RegisterProtectedRoutes sets up auth-required self-service routes. The
// service enforces self-only updates too; the middleware rejects early.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.PUT("/accounts/:address/:field", validation.AddressParamMiddleware(), auth.RequireOwnership("address"), h.UpdateField)
}

// RegisterAdminRoutes sets up owner-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/integrate", h.Integrate)
}

// GetCreditScore handles GET /credit-score/:address
func (h *Handler) GetCreditScore(c *gin.Context) {
	account := validation.AddressParam(c)

	p, err := h.service.ReadProfile(c.Request.Context(), account)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address":     c.Param("address"),
		"creditScore": strconv.Itoa(p.CreditScore),
	})
}

// GetProfile handles GET /v1/accounts/:address
func (h *Handler) GetProfile(c *gin.Context) {
	account := validation.AddressParam(c)

	p, err := h.service.ReadProfile(c.Request.Context(), account)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":   p,
		"breakdown": p.Breakdown(),
	})
}

// GetHistory handles GET /v1/accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	account := validation.AddressParam(c)

	page, err := h.service.History(c.Request.Context(), account, queryLimit(c), c.Query("cursor"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}

// ListProfiles handles GET /v1/accounts
func (h *Handler) ListProfiles(c *gin.Context) {
	profiles, err := h.service.List(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if profiles == nil {
		profiles = []*Profile{}
	}

	c.JSON(http.StatusOK, gin.H{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// GetOwner handles GET /v1/owner
func (h *Handler) GetOwner(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"owner": Key(h.service.Owner())})
}

type updateFieldRequest struct {
	Value json.RawMessage `json:"value"`
}

// UpdateField handles PUT /v1/accounts/:address/:field
func (h *Handler) UpdateField(c *gin.Context) {
	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		unauthenticated(c)
		return
	}

	account := validation.AddressParam(c)

	field, err := ParseField(c.Param("field"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	var req updateFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a JSON object with a value",
		})
		return
	}
	value, verr := validation.ParseJSONUint("value", req.Value)
	if verr != nil {
		invalidRequest(c, validation.ValidationErrors{*verr})
		return
	}

	p, err := h.service.SelfUpdate(c.Request.Context(), caller, account, field, value)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":   p,
		"breakdown": p.Breakdown(),
	})
}

// IntegrateExternalDataCompat handles POST /integrate-external-data
func (h *Handler) IntegrateExternalDataCompat(c *gin.Context) {
	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		unauthenticated(c)
		return
	}

	target, data, errs, ok := bindIntegrateRequest(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid input data",
		})
		return
	}
	if len(errs) > 0 {
		invalidRequest(c, errs)
		return
	}

	if _, err := h.service.IntegrateExternalData(c.Request.Context(), caller, target, data); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Credit score updated for user " + c.GetString(integrateUserKey),
	})
}

// Integrate handles POST /v1/admin/integrate
func (h *Handler) Integrate(c *gin.Context) {
	caller, ok := auth.GetAuthenticatedAccount(c)
	if !ok {
		unauthenticated(c)
		return
	}

	target, data, errs, ok := bindIntegrateRequest(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request requires user, volume, balance, frequency, mix and newTx",
		})
		return
	}
	if len(errs) > 0 {
		invalidRequest(c, errs)
		return
	}

	p, err := h.service.IntegrateExternalData(c.Request.Context(), caller, target, data)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"profile":   p,
		"breakdown": p.Breakdown(),
	})
}

// integrateUserKey holds the user address exactly as the client sent it.
const integrateUserKey = "integrateUser"

// bindIntegrateRequest decodes {user, volume, balance, frequency, mix, newTx}.
// ok is false when the body is not an object or any key is missing or null.
func bindIntegrateRequest(c *gin.Context) (common.Address, ExternalData, validation.ValidationErrors, bool) {
	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		return common.Address{}, ExternalData{}, nil, false
	}
	for _, k := range []string{"user", "volume", "balance", "frequency", "mix", "newTx"} {
		if v, present := body[k]; !present || string(v) == "null" {
			return common.Address{}, ExternalData{}, nil, false
		}
	}

	var user string
	if err := json.Unmarshal(body["user"], &user); err != nil || user == "" {
		return common.Address{}, ExternalData{}, nil, false
	}
	c.Set(integrateUserKey, user)

	var errs validation.ValidationErrors
	target, verr := validation.ParseAddress("user", user)
	if verr != nil {
		errs = append(errs, *verr)
	}

	var data ExternalData
	for _, f := range []struct {
		name string
		dst  *uint64
	}{
		{"volume", &data.Volume},
		{"balance", &data.Balance},
		{"frequency", &data.Frequency},
		{"mix", &data.Mix},
		{"newTx", &data.NewTx},
	} {
		v, verr := validation.ParseJSONUint(f.name, body[f.name])
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		*f.dst = v
	}
	return target, data, errs, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *ValidationError
	var serr *StoreError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verr.Error(),
			"details": validation.ValidationErrors{{Field: verr.Field, Message: verr.Message}},
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.As(err, &serr) && serr.Retryable:
		logging.L(c.Request.Context()).Warn("profile store unavailable", "op", serr.Op, "error", serr.Err)
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Profile store is temporarily unavailable, retry shortly",
		})
	default:
		logging.L(c.Request.Context()).Error("profile request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}

func invalidRequest(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": errs.Error(),
		"details": errs,
	})
}

func unauthenticated(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
	})
}

func queryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 0
}
