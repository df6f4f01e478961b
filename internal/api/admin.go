package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/intercept-sh/openrouter-proxy/internal/record"
	"github.com/intercept-sh/openrouter-proxy/internal/usage"
)

// ListRequests returns a snapshot of the intercept history in arrival order.
func (h *Handler) ListRequests(c *gin.Context) {
	entries := h.sink.All()
	out := make([]record.Exchange, 0, len(entries))
	for _, ex := range entries {
		out = append(out, ex.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(out),
		"requests": out,
	})
}

// ClearRequests empties the intercept history.
func (h *Handler) ClearRequests(c *gin.Context) {
	h.sink.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

// DailyUsage reports per-model token accounting for one UTC day, defaulting
// to today.
func (h *Handler) DailyUsage(c *gin.Context) {
	if h.usage == nil {
		respondDetail(c, http.StatusNotFound, "Usage accounting is disabled")
		return
	}
	day := c.Query("day")
	if day == "" {
		day = usage.DayKey(time.Now())
	}
	report, err := h.usage.DailyReport(c.Request.Context(), day)
	if err != nil {
		log.Errorf("daily usage report failed: %v", err)
		respondDetail(c, http.StatusInternalServerError, "Failed to load usage report")
		return
	}
	c.JSON(http.StatusOK, report)
}
