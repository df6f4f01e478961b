// Package api implements the HTTP surface of the proxy: the OpenAI-compatible
// chat-completions and models routes, the liveness route, and the admin
// inspection endpoints. The chat route carries the retry and fallback control
// flow; everything else is thin.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/intercept-sh/openrouter-proxy/internal/config"
	"github.com/intercept-sh/openrouter-proxy/internal/intercept"
	"github.com/intercept-sh/openrouter-proxy/internal/metrics"
	"github.com/intercept-sh/openrouter-proxy/internal/rotation"
	"github.com/intercept-sh/openrouter-proxy/internal/upstream"
	"github.com/intercept-sh/openrouter-proxy/internal/usage"
)

// Handler bundles the collaborators every route needs. One Handler exists per
// server instance and is discarded with it.
type Handler struct {
	cfg     *config.Config
	state   *rotation.State
	client  *upstream.Client
	sink    *intercept.Sink
	usage   *usage.Store
	metrics *metrics.Metrics
}

// New wires the route handlers. usageStore may be nil when accounting is
// disabled; metrics must be non-nil.
func New(cfg *config.Config, state *rotation.State, client *upstream.Client, sink *intercept.Sink, usageStore *usage.Store, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:     cfg,
		state:   state,
		client:  client,
		sink:    sink,
		usage:   usageStore,
		metrics: m,
	}
}

// Register attaches all routes to the engine.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/", h.Root)

	engine.POST("/chat/completions", h.ChatCompletions)
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.GET("/models", h.Models)
	engine.GET("/v1/models", h.Models)

	engine.GET("/admin/requests", h.ListRequests)
	engine.DELETE("/admin/requests", h.ClearRequests)
	engine.GET("/admin/usage", h.DailyUsage)
	engine.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

// Root answers readiness polls without touching upstream.
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "OpenRouter Proxy Interceptor is running. Use POST /v1/chat/completions and GET /v1/models.",
	})
}

// Models proxies the upstream model list verbatim using the first configured
// key. No rotation: listing models consumes no quota worth distributing.
func (h *Handler) Models(c *gin.Context) {
	if len(h.cfg.APIKeys) == 0 {
		respondDetail(c, http.StatusServiceUnavailable, "No API keys configured")
		return
	}
	headers := map[string]string{
		"Authorization": "Bearer " + h.cfg.APIKeys[0],
	}
	resp, err := h.client.Get(c.Request.Context(), "/models", headers)
	if err != nil {
		log.Errorf("models passthrough failed: %v", err)
		respondDetail(c, http.StatusServiceUnavailable, "Failed to reach upstream models endpoint")
		return
	}
	copyHeader(c, resp.Headers, "Content-Encoding")
	c.Data(resp.StatusCode, resp.Headers.Get("Content-Type"), resp.Body)
}

func (h *Handler) outboundHeaders(key string) map[string]string {
	headers := map[string]string{
		"Authorization": "Bearer " + key,
		"Content-Type":  "application/json",
	}
	if h.cfg.SiteURL != "" {
		headers["HTTP-Referer"] = h.cfg.SiteURL
	}
	if h.cfg.AppName != "" {
		headers["X-Title"] = h.cfg.AppName
	}
	return headers
}

// accountUsage folds one finished request into the daily usage store. Store
// failures are logged, never surfaced to the caller.
func (h *Handler) accountUsage(model string, row usage.Row) {
	if h.usage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.usage.AddUsage(ctx, model, usage.DayKey(time.Now()), row); err != nil {
		log.Errorf("usage accounting failed: %v", err)
	}
}

// respondDetail writes the uniform JSON error body.
func respondDetail(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"detail": detail})
}

func copyHeader(c *gin.Context, from http.Header, key string) {
	if v := from.Get(key); v != "" {
		c.Header(key, v)
	}
}
