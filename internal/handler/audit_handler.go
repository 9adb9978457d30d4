package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"regaudit-go/internal/model"
	"regaudit-go/internal/service"
	"regaudit-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 上传的程序文件大小上限
const maxProcedureBytes = 32 << 20

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// AuditHandler 负责处理合规分析请求。
type AuditHandler struct {
	auditService service.AuditService
	defaultTopK  int
}

// NewAuditHandler 创建一个新的 AuditHandler 实例。
func NewAuditHandler(auditService service.AuditService, defaultTopK int) *AuditHandler {
	if defaultTopK <= 0 {
		defaultTopK = service.DefaultTopK
	}
	return &AuditHandler{auditService: auditService, defaultTopK: defaultTopK}
}

// Search 处理 multipart 表单：query（必填）、top_k（默认 5）、file（可选的程序文件）。
func (h *AuditHandler) Search(c *gin.Context) {
	query := strings.TrimSpace(c.PostForm("query"))
	if query == "" {
		writeError(c, "AuditHandler", fmt.Errorf("%w: query is required", service.ErrInvalidInput))
		return
	}
	topK, err := parseTopK(c.PostForm("top_k"), h.defaultTopK)
	if err != nil {
		writeError(c, "AuditHandler", err)
		return
	}
	log.Infof("[AuditHandler] 收到合规分析请求, query: %s, top_k: %d", query, topK)

	var fragments []model.Fragment
	fileHeader, err := c.FormFile("file")
	switch {
	case err == nil:
		data, err := readUpload(fileHeader)
		if err != nil {
			writeError(c, "AuditHandler", err)
			return
		}
		fragments, err = h.auditService.SplitProcedure(c.Request.Context(), fileHeader.Filename, data)
		if err != nil {
			writeError(c, "AuditHandler", err)
			return
		}
	case errors.Is(err, http.ErrMissingFile):
		// 没有程序文件时只做主题检索
	default:
		writeError(c, "AuditHandler", fmt.Errorf("%w: %v", service.ErrInvalidInput, err))
		return
	}

	resp, err := h.auditService.Audit(c.Request.Context(), service.AuditRequest{
		Query:     query,
		TopK:      topK,
		Fragments: fragments,
	}, nil)
	if err != nil {
		writeError(c, "AuditHandler", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamRequest 是 websocket 上的第一条客户端消息。
type streamRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	FileName   string `json:"file_name"`
	FileBase64 string `json:"file_base64"`
	Text       string `json:"text"`
}

type streamMessage struct {
	Type        string                  `json:"type"`
	Index       *int                    `json:"index,omitempty"`
	Total       int                     `json:"total,omitempty"`
	Result      *model.FragmentResult   `json:"result,omitempty"`
	Status      string                  `json:"status,omitempty"`
	Detail      string                  `json:"detail,omitempty"`
	Code        int                     `json:"code,omitempty"`
	BaseContext []model.RetrievalResult `json:"base_context,omitempty"`
	StorageInfo *model.StorageInfo      `json:"storage_info,omitempty"`
	Timestamp   int64                   `json:"timestamp"`
}

// Stream 通过 websocket 逐个片段推送分析结果，最后发送一条 completion 消息。
func (h *AuditHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	var req streamRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Warnf("从 WebSocket 读取请求失败: %v", err)
		sendStream(conn, streamMessage{Type: "error", Code: http.StatusBadRequest, Detail: "invalid request message"})
		return
	}
	if req.TopK <= 0 {
		req.TopK = h.defaultTopK
	}

	// 客户端断开时取消分析
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	fragments, err := h.streamFragments(ctx, req)
	if err != nil {
		sendStream(conn, streamMessage{Type: "error", Code: statusFor(err), Detail: err.Error()})
		return
	}
	sendStream(conn, streamMessage{Type: "started", Total: len(fragments)})

	resp, err := h.auditService.Audit(ctx, service.AuditRequest{
		Query:     req.Query,
		TopK:      req.TopK,
		Fragments: fragments,
	}, func(index int, result model.FragmentResult) {
		i := index
		sendStream(conn, streamMessage{Type: "fragment", Index: &i, Total: len(fragments), Result: &result})
	})
	if err != nil {
		log.Warnf("[AuditHandler] 流式合规分析失败: %v", err)
		sendStream(conn, streamMessage{Type: "error", Code: statusFor(err), Detail: err.Error()})
		return
	}

	sendStream(conn, streamMessage{
		Type:        "completion",
		Status:      "finished",
		Total:       len(resp.IndividualResults),
		BaseContext: resp.BaseContext,
		StorageInfo: &resp.StorageInfo,
	})
}

func (h *AuditHandler) streamFragments(ctx context.Context, req streamRequest) ([]model.Fragment, error) {
	switch {
	case req.FileBase64 != "":
		data, err := base64.StdEncoding.DecodeString(req.FileBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: file_base64 is not valid base64", service.ErrInvalidInput)
		}
		if req.FileName == "" {
			return nil, fmt.Errorf("%w: file_name is required with file_base64", service.ErrInvalidInput)
		}
		return h.auditService.SplitProcedure(ctx, req.FileName, data)
	case strings.TrimSpace(req.Text) != "":
		name := req.FileName
		if name == "" {
			name = "procedure.txt"
		}
		if !strings.HasSuffix(strings.ToLower(name), ".txt") {
			name += ".txt"
		}
		return h.auditService.SplitProcedure(ctx, name, []byte(req.Text))
	default:
		return nil, nil
	}
}

func sendStream(conn *websocket.Conn, msg streamMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	if err := conn.WriteJSON(msg); err != nil {
		log.Warnf("向 WebSocket 写入消息失败: %v", err)
	}
}

func parseTopK(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	topK, err := strconv.Atoi(raw)
	if err != nil || topK <= 0 {
		return 0, fmt.Errorf("%w: top_k must be a positive integer", service.ErrInvalidInput)
	}
	return topK, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxProcedureBytes {
		return nil, fmt.Errorf("%w: file %s exceeds %d bytes", service.ErrInvalidInput, fh.Filename, maxProcedureBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxProcedureBytes))
}
