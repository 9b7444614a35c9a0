package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/creditscore/internal/logging"
)

// Handler provides admin HTTP endpoints. Mount it behind owner-only auth.
type Handler struct {
	feed        FeedRunner
	breaker     BreakerControl
	breakerKeys []string
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithFeedRunner enables POST /admin/feed/run.
func (h *Handler) WithFeedRunner(r FeedRunner) *Handler {
	h.feed = r
	return h
}

// WithBreaker exposes the given breaker keys.
func (h *Handler) WithBreaker(b BreakerControl, keys ...string) *Handler {
	h.breaker = b
	h.breakerKeys = keys
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/admin/feed/run", h.runFeed)
	r.GET("/admin/breakers", h.listBreakers)
	r.POST("/admin/breakers/:key/reset", h.resetBreaker)
}

// runFeed triggers one feed pass outside the schedule.
func (h *Handler) runFeed(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "External data feed is not configured",
		})
		return
	}

	res := h.feed.RunOnce(c.Request.Context())
	logging.L(c.Request.Context()).Info("admin: feed run triggered",
		"integrated", res.Integrated, "skipped", res.Skipped, "failed", res.Failed)
	c.JSON(http.StatusOK, gin.H{
		"integrated": res.Integrated,
		"skipped":    res.Skipped,
		"failed":     res.Failed,
	})
}

func (h *Handler) listBreakers(c *gin.Context) {
	statuses := make([]BreakerStatus, 0, len(h.breakerKeys))
	if h.breaker != nil {
		for _, key := range h.breakerKeys {
			statuses = append(statuses, BreakerStatus{
				Key:      key,
				State:    h.breaker.State(key).String(),
				Failures: h.breaker.Failures(key),
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": statuses})
}

// resetBreaker closes a breaker by hand once the operator knows the
// dependency has recovered.
func (h *Handler) resetBreaker(c *gin.Context) {
	key := c.Param("key")
	if h.breaker == nil || !h.known(key) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Unknown circuit breaker",
		})
		return
	}

	from := h.breaker.State(key)
	h.breaker.Reset(key)
	logging.L(c.Request.Context()).Warn("admin: circuit breaker reset", "key", key, "from", from.String())
	c.JSON(http.StatusOK, BreakerStatus{
		Key:      key,
		State:    h.breaker.State(key).String(),
		Failures: h.breaker.Failures(key),
	})
}

func (h *Handler) known(key string) bool {
	for _, k := range h.breakerKeys {
		if k == key {
			return true
		}
	}
	return false
}
