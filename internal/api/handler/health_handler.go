package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/transform-adapter/internal/api/dto"
)

// Health handles GET /health. It fails when the worker has not polled within
// the allowed age.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := dto.HealthResponse{
		Service:  h.service,
		WorkerID: h.workerID,
	}

	var last time.Time
	if h.heartbeat != nil {
		last = h.heartbeat.LastBeat()
	}
	if last.IsZero() {
		resp.Status = "starting"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	age := h.now().Sub(last)
	resp.LastHeartbeat = last.UTC().Format(time.RFC3339Nano)
	resp.AgeSeconds = int64(age / time.Second)

	if age > h.maxAge {
		resp.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = "healthy"
	c.JSON(http.StatusOK, resp)
}
