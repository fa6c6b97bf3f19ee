package httpserver

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/maintenance"
)

// adminHandler exposes the administrative interfaces: process stats,
// per-queue stats, and identifier reset.
type adminHandler struct {
	worker          *maintenance.Worker
	cache           *limiter.Cache
	localCache      *limiter.MemoryStore
	throttle        *limiter.Throttle
	configuredRules []limiter.Rule
	logger          *logrus.Logger
	startedAt       time.Time
}

func newAdminHandler(worker *maintenance.Worker, cache *limiter.Cache, localCache *limiter.MemoryStore, throttle *limiter.Throttle, rules []limiter.Rule, logger *logrus.Logger) *adminHandler {
	return &adminHandler{worker: worker, cache: cache, localCache: localCache, throttle: throttle, configuredRules: rules, logger: logger, startedAt: time.Now()}
}

type resetRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	RuleID     string `json:"ruleId"`
}

// Stats reports queue depths, local cache size, process uptime, and
// active-rate-limit key count for operational visibility.
func (h *adminHandler) Stats(c *gin.Context) {
	opsStats, cleanupStats := h.worker.Stats()
	localCacheSize := 0
	if h.localCache != nil {
		localCacheSize = h.localCache.Size()
	}
	activeKeys, err := h.cache.ActiveKeyCount(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Warn("admin: active key count unavailable")
	}
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds":   time.Since(h.startedAt).Seconds(),
		"goroutines":       runtime.NumGoroutine(),
		"local_cache_size": localCacheSize,
		"active_keys":      activeKeys,
		"configured_rules": len(h.configuredRules),
		"queues": gin.H{
			"operations": opsStats,
			"cleanup":    cleanupStats,
		},
	})
}

// QueueStats reports {waiting, active, completed, failed} for each
// maintenance queue individually.
func (h *adminHandler) QueueStats(c *gin.Context) {
	opsStats, cleanupStats := h.worker.Stats()
	c.JSON(http.StatusOK, gin.H{
		"operations": opsStats,
		"cleanup":    cleanupStats,
	})
}

// ResetRateLimit clears a client's counters for one rule, or every rule
// when ruleId is omitted.
func (h *adminHandler) ResetRateLimit(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is required"})
		return
	}

	rules := h.rulesToReset(req.RuleID)
	if len(rules) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown ruleId"})
		return
	}

	ctx := c.Request.Context()
	for _, rule := range rules {
		key := limiter.StoreKeyFor(rule, req.Identifier)
		if err := h.cache.Reset(ctx, key); err != nil {
			h.logger.WithError(err).WithField("rule_id", rule.ID).Error("admin: reset failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reset failed"})
			return
		}
	}
	if h.throttle != nil {
		h.throttle.Forget(req.Identifier)
	}
	c.JSON(http.StatusOK, gin.H{"message": "rate limit reset"})
}

func (h *adminHandler) rulesToReset(ruleID string) []limiter.Rule {
	if ruleID == "" {
		return h.configuredRules
	}
	for _, r := range h.configuredRules {
		if r.ID == ruleID {
			return []limiter.Rule{r}
		}
	}
	return nil
}

// demoHandler exposes the rate-limited demonstration surface: an
// unauthenticated data endpoint and a stricter login endpoint.
type demoHandler struct {
	logger *logrus.Logger
}

func newDemoHandler(logger *logrus.Logger) *demoHandler {
	return &demoHandler{logger: logger}
}

func (h *demoHandler) Data(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":      []string{"alpha", "beta", "gamma"},
		"timestamp": time.Now().Unix(),
	})
}

func (h *demoHandler) Login(c *gin.Context) {
	var body struct {
		Username string `json:"username"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Username == "" {
		body.Username = "anonymous"
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "authenticated",
		"user":    body.Username,
	})
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
