// Package httptransport 暴露网关的 HTTP 面：递交收件箱、
// 落地页、健康检查和指标。
package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imip/gateway/internal/gateway"
	"imip/gateway/internal/monitoring"
)

// 递交的日历体不会很大，1MB 足够容纳带大量重复实例的事件
const maxSubmissionBytes = 1 << 20

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Handler *gateway.Handler
	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例
func NewRouter(deps RouterDependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(recoveryHandler(deps.Logger))
	router.Use(requestLogger(deps.Logger))
	router.Use(httpMetrics(deps.Metrics))
	router.Use(bodySizeLimit(maxSubmissionBytes))

	inbox := newInboxHandler(deps.Handler, deps.Logger)

	router.GET("/", inbox.landing)
	router.GET("/inbox", inbox.inboxLanding)
	router.POST("/inbox", rateLimitByIP(newIPRateLimiter(10, 20)), inbox.submit)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	return router
}
