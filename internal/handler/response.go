// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/service"
	"regaudit-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrIndexUnavailable),
		errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrUnsupportedDocument):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrIndexCorruption):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError 以统一的 JSON 结构返回错误，不返回任何部分结果。
func writeError(c *gin.Context, component string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("[%s] 请求处理失败: %v", component, err)
	} else {
		log.Warnf("[%s] 请求被拒绝 (%d): %v", component, status, err)
	}
	c.JSON(status, gin.H{"success": false, "detail": err.Error()})
}

// Root 返回欢迎信息。
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Welcome to the Regulatory Compliance Audit API"})
}
