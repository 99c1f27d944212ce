package zlog

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GinLogger 给每个请求放入带 request_id 的 logger 并记录访问日志
// 运维端口请求频繁，访问日志打在 debug 级别
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		l := zap.L().With(
			zap.String("request_id", c.GetHeader("X-Request-Id")),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)
		c.Request = c.Request.WithContext(WithContext(c.Request.Context(), l))
		c.Next()

		l.Debug("access",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", c.Writer.Size()),
		)
	}
}
