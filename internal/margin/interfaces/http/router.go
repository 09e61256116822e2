package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/marginengine/internal/margin/application"
	"github.com/wyfcoding/marginengine/pkg/metrics"
	"github.com/wyfcoding/marginengine/pkg/middleware"
	"golang.org/x/time/rate"
)

// NewRouter 组装 Gin 路由：健康检查、指标与保证金接口
func NewRouter(engine *application.Engine, m *metrics.Metrics, log *slog.Logger, manageLimiter *rate.Limiter) *gin.Engine {
	router := gin.New()
	router.Use(middleware.GinRecovery(log), middleware.GinLogging(log), middleware.GinMetrics(m))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	NewMarginHandler(engine, manageLimiter).RegisterRoutes(&router.RouterGroup)
	return router
}
