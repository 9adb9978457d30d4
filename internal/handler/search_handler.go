package handler

import (
	"net/http"
	"strconv"
	"strings"

	"regaudit-go/internal/service"
	"regaudit-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	retrieval   service.RetrievalService
	defaultTopK int
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(retrieval service.RetrievalService, defaultTopK int) *SearchHandler {
	if defaultTopK <= 0 {
		defaultTopK = service.DefaultTopK
	}
	return &SearchHandler{
		retrieval:   retrieval,
		defaultTopK: defaultTopK,
	}
}

// HybridSearch 只做法规检索，不调用 completion service。
func (h *SearchHandler) HybridSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("query"))
	log.Infof("[SearchHandler] 收到检索请求, query: %s", query)

	if query == "" {
		log.Warnf("[SearchHandler] 检索请求失败: query 参数为空")
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的查询参数"})
		return
	}
	topK, err := strconv.Atoi(c.DefaultQuery("topK", strconv.Itoa(h.defaultTopK)))
	if err != nil || topK <= 0 {
		topK = h.defaultTopK
	}

	results, err := h.retrieval.Retrieve(c.Request.Context(), query, topK)
	if err != nil {
		writeError(c, "SearchHandler", err)
		return
	}

	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "data": results, "message": "success"})
}
