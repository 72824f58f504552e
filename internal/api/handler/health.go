package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/qs3c/karaoke_go_server/internal/service"
)

type HealthHandler struct {
	client     *redis.Client
	jobService *service.JobService
}

func NewHealthHandler(client *redis.Client, jobService *service.JobService) *HealthHandler {
	return &HealthHandler{client: client, jobService: jobService}
}

// Check 健康检查，Redis 不可达时报 503
// GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.client.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"redis":  err.Error(),
		})
		return
	}

	body := gin.H{
		"status": "healthy",
		"redis":  "ok",
	}

	// 队列深度是辅助信息，取不到不影响健康判定
	if _, depths, err := h.jobService.Stats(ctx); err == nil {
		body["queues"] = depths
	}

	c.JSON(http.StatusOK, body)
}
