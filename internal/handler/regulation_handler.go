package handler

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"

	"regaudit-go/internal/model"
	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/service"
	"regaudit-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// 单个法规文件的大小上限
const maxRegulationBytes = 256 << 20

// RegulationHandler 负责法规文件的上传、查询与索引维护。
type RegulationHandler struct {
	regulationService service.RegulationService
}

// NewRegulationHandler 创建一个新的 RegulationHandler 实例。
func NewRegulationHandler(regulationService service.RegulationService) *RegulationHandler {
	return &RegulationHandler{regulationService: regulationService}
}

// uploadOutcome 描述单个上传文件的处理结果。
type uploadOutcome struct {
	FileName string                    `json:"fileName"`
	Document *model.RegulationDocument `json:"document,omitempty"`
	Status   string                    `json:"status"`
	Error    string                    `json:"error,omitempty"`
}

// Process 处理 multipart 表单中的 files 字段，每个文件独立入库。
func (h *RegulationHandler) Process(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		writeError(c, "RegulationHandler", fmt.Errorf("%w: multipart form required", service.ErrInvalidInput))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		writeError(c, "RegulationHandler", fmt.Errorf("%w: no files uploaded", service.ErrInvalidInput))
		return
	}

	outcomes := make([]uploadOutcome, 0, len(files))
	failed := 0
	var worst error
	for i, fh := range files {
		outcome := uploadOutcome{FileName: fh.Filename}
		err := h.submit(c, fh, &outcome)
		if err != nil {
			log.Warnf("[RegulationHandler] 法规文件入库失败, FileName: %s, Error: %v", fh.Filename, err)
			outcome.Error = err.Error()
			failed++
			if worst == nil || statusFor(err) > statusFor(worst) {
				worst = err
			}
		}
		outcomes = append(outcomes, outcome)

		// 索引已不一致时停止处理剩余文件
		if errors.Is(err, pipeline.ErrIndexCorruption) {
			for _, rest := range files[i+1:] {
				outcomes = append(outcomes, uploadOutcome{FileName: rest.Filename, Status: "skipped"})
				failed++
			}
			break
		}
	}

	status := http.StatusOK
	switch {
	case errors.Is(worst, pipeline.ErrIndexCorruption):
		status = http.StatusConflict
	case failed == len(files):
		status = statusFor(worst)
	}
	c.JSON(status, gin.H{
		"success": status == http.StatusOK,
		"message": fmt.Sprintf("processed %d of %d files", len(files)-failed, len(files)),
		"files":   outcomes,
	})
}

// submit 入库单个文件并填写 outcome。
func (h *RegulationHandler) submit(c *gin.Context, fh *multipart.FileHeader, outcome *uploadOutcome) error {
	if fh.Size > maxRegulationBytes {
		outcome.Status = "rejected"
		return fmt.Errorf("%w: file exceeds %d bytes", service.ErrInvalidInput, maxRegulationBytes)
	}
	f, err := fh.Open()
	if err != nil {
		outcome.Status = "failed"
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	doc, err := h.regulationService.Submit(c.Request.Context(), fh.Filename, fh.Size, f)
	if err != nil {
		outcome.Status = "failed"
		if errors.Is(err, service.ErrInvalidInput) {
			outcome.Status = "rejected"
		}
		return err
	}
	outcome.Document = doc
	outcome.Status = doc.StatusText()
	return nil
}

// ListDocuments 返回所有已登记的法规文件。
func (h *RegulationHandler) ListDocuments(c *gin.Context) {
	docs, err := h.regulationService.ListDocuments(c.Request.Context())
	if err != nil {
		writeError(c, "RegulationHandler", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "success",
		"data":    docs,
	})
}

// Status 返回元数据库与向量索引的一致性报告。
func (h *RegulationHandler) Status(c *gin.Context) {
	status, err := h.regulationService.Status(c.Request.Context())
	if err != nil {
		writeError(c, "RegulationHandler", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Reindex 根据元数据库重建向量索引。
func (h *RegulationHandler) Reindex(c *gin.Context) {
	log.Info("[RegulationHandler] 收到重建索引请求")
	report, err := h.regulationService.Reindex(c.Request.Context())
	if err != nil {
		writeError(c, "RegulationHandler", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
