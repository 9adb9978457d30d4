package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"regaudit-go/internal/model"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/llm"
	"regaudit-go/pkg/log"
)

// NoIssuesSentinel 是模型在片段无合规问题时必须返回的原文。
const NoIssuesSentinel = "No compliance issues found in this section."

const (
	issueHeading    = "ISSUE IN SOP DOCUMENT:"
	whyHeading      = "WHY ERROR:"
	citationHeading = "CITATION FROM CONTEXT:"
)

const analysisSystemPrompt = "You are a compliance expert analyzing SOP documents against regulatory requirements. " +
	"Identify issues using the exact format specified."

const analysisPromptTemplate = `Analyze this SOP document chunk for compliance issues by comparing it with the regulatory context.
For each issue found, provide the following EXACT format:

ISSUE IN SOP DOCUMENT:
[Quote the exact text from the SOP document that contains the issue]

WHY ERROR:
[Explain specifically why this is a compliance issue or violation]

CITATION FROM CONTEXT:
[Quote the specific regulatory text that identifies this as an issue]
Source: [document name], Page: [page locator]

If no issues are found, respond with exactly: "%s"

SOP DOCUMENT CHUNK:
%s
Source: %s

REGULATORY CONTEXT:
%s`

// ErrUnsupportedDocument 表示上传的程序文件类型不受支持。
var ErrUnsupportedDocument = errors.New("unsupported procedure document type")

// TextExtractor 从二进制文档中提取纯文本。
type TextExtractor interface {
	ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error)
}

// AuditObserver 在每个片段结束（DONE 或 FAILED）时被调用，用于流式推送。
type AuditObserver func(index int, result model.FragmentResult)

// AuditRequest 是一次合规分析请求。
type AuditRequest struct {
	Query     string
	TopK      int
	Fragments []model.Fragment
}

// AuditService 接口定义了合规分析操作。
type AuditService interface {
	// Audit 顺序分析每个片段，返回与片段数量相同、顺序一致的结果。
	Audit(ctx context.Context, req AuditRequest, observer AuditObserver) (*model.AuditResponse, error)
	// SplitProcedure 提取程序文件文本并切分为片段。
	SplitProcedure(ctx context.Context, fileName string, data []byte) ([]model.Fragment, error)
}

type auditService struct {
	retrieval   RetrievalService
	llmClient   llm.Client
	extractor   TextExtractor
	chunker     *chunker.Chunker
	params      *llm.GenerationParams
	timeout     time.Duration
	storageInfo model.StorageInfo
}

// NewAuditService 创建一个新的 AuditService 实例。timeout 为 0 时不限制整个请求的时长。
func NewAuditService(
	retrieval RetrievalService,
	llmClient llm.Client,
	extractor TextExtractor,
	chk *chunker.Chunker,
	params *llm.GenerationParams,
	timeout time.Duration,
	storageInfo model.StorageInfo,
) AuditService {
	return &auditService{
		retrieval:   retrieval,
		llmClient:   llmClient,
		extractor:   extractor,
		chunker:     chk,
		params:      params,
		timeout:     timeout,
		storageInfo: storageInfo,
	}
}

func (s *auditService) Audit(ctx context.Context, req AuditRequest, observer AuditObserver) (*model.AuditResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	log.Infof("[AuditService] 开始合规分析, query: '%s', topK: %d, 片段数: %d", req.Query, req.TopK, len(req.Fragments))

	// 主题查询的检索同时是前置检查：没有入库任何文档时整个请求失败
	baseContext, err := s.retrieval.Retrieve(ctx, req.Query, req.TopK)
	if err != nil {
		return nil, err
	}

	results := make([]model.FragmentResult, len(req.Fragments))
	for i, frag := range req.Fragments {
		results[i] = model.FragmentResult{ChunkText: frag.Text, Status: model.FragmentPending}
	}

	for i, frag := range req.Fragments {
		result := &results[i]
		if err := ctx.Err(); err != nil {
			result.Status = model.FragmentFailed
			result.AnalysisResult = "Analysis skipped: request deadline exceeded before this section was processed."
			s.notify(observer, i, *result)
			continue
		}

		result.Status = model.FragmentRetrieving
		items, err := s.retrieval.RetrieveForFragment(ctx, req.Query, frag.Text, req.TopK)
		if err != nil {
			if errors.Is(err, ErrIndexUnavailable) {
				return nil, err
			}
			log.Warnw("[AuditService] 片段检索失败", "fragment", i, "error", err)
			result.Status = model.FragmentFailed
			result.AnalysisResult = "Error in context retrieval: " + err.Error()
			s.notify(observer, i, *result)
			continue
		}
		result.Context = items

		result.Status = model.FragmentPrompting
		analysis, err := s.llmClient.Complete(ctx, []llm.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: BuildAnalysisPrompt(frag, items)},
		}, s.params)
		if err != nil {
			log.Warnw("[AuditService] 片段分析失败, 继续处理下一个片段", "fragment", i, "error", err)
			result.Status = model.FragmentFailed
			result.AnalysisResult = "Error in completion processing: " + err.Error()
			s.notify(observer, i, *result)
			continue
		}

		result.Status = model.FragmentDone
		result.AnalysisResult = analysis
		result.NoIssues, result.Issues = ParseAnalysis(analysis)
		s.notify(observer, i, *result)
	}

	log.Infof("[AuditService] 合规分析完成, 片段数: %d", len(results))
	return &model.AuditResponse{
		Success:           true,
		Query:             req.Query,
		IndividualResults: results,
		BaseContext:       baseContext,
		StorageInfo:       s.storageInfo,
	}, nil
}

func (s *auditService) notify(observer AuditObserver, index int, result model.FragmentResult) {
	if observer != nil {
		observer(index, result)
	}
}

func (s *auditService) SplitProcedure(ctx context.Context, fileName string, data []byte) ([]model.Fragment, error) {
	var text string
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".txt", ".md":
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8 text", ErrInvalidInput, fileName)
		}
		text = string(data)
	case ".docx", ".doc", ".pdf", ".odt":
		if s.extractor == nil {
			return nil, fmt.Errorf("%w: no text extractor configured for %s", ErrUnsupportedDocument, fileName)
		}
		extracted, err := s.extractor.ExtractText(ctx, bytes.NewReader(data), fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to extract text from %s: %w", fileName, err)
		}
		text = extracted
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDocument, fileName)
	}

	pieces := s.chunker.Split(text)
	fragments := make([]model.Fragment, len(pieces))
	for i, piece := range pieces {
		fragments[i] = model.Fragment{Text: piece, DocName: fileName, PageRange: "N/A"}
	}
	log.Infof("[AuditService] 程序文件 %s 切分为 %d 个片段", fileName, len(fragments))
	return fragments, nil
}

type contextItem struct {
	Text   string `json:"text"`
	Source string `json:"source"`
	Page   string `json:"page"`
}

// BuildAnalysisPrompt 构造单个片段的分析提示词。
func BuildAnalysisPrompt(frag model.Fragment, items []model.RetrievalResult) string {
	rendered := make([]contextItem, len(items))
	for i, item := range items {
		rendered[i] = contextItem{
			Text:   item.Text,
			Source: orDefault(item.DocName, "Unknown"),
			Page:   orDefault(item.PageRange, "N/A"),
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// 只包含字符串字段，编码不会失败
	_ = enc.Encode(rendered)

	return fmt.Sprintf(analysisPromptTemplate,
		NoIssuesSentinel,
		frag.Text,
		orDefault(frag.DocName, "Unknown"),
		strings.TrimRight(buf.String(), "\n"),
	)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// ParseAnalysis 宽松地解析分析文本。返回 noIssues 为 true 表示模型给出了无问题的结论；
// 不符合格式的文本返回 (false, nil)，由调用方按自由文本处理。
func ParseAnalysis(text string) (bool, []model.Issue) {
	cleaned := strings.ReplaceAll(text, "**", "")
	if !strings.Contains(cleaned, issueHeading) {
		return strings.Contains(cleaned, NoIssuesSentinel), nil
	}

	var issues []model.Issue
	blocks := strings.Split(cleaned, issueHeading)
	for _, block := range blocks[1:] {
		whyAt := strings.Index(block, whyHeading)
		citeAt := strings.Index(block, citationHeading)
		if whyAt < 0 || citeAt < whyAt {
			continue
		}
		issues = append(issues, model.Issue{
			SOPText:  cleanSection(block[:whyAt]),
			Why:      cleanSection(block[whyAt+len(whyHeading) : citeAt]),
			Citation: cleanSection(block[citeAt+len(citationHeading):]),
		})
	}
	return false, issues
}

func cleanSection(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "-")
	s = strings.TrimSpace(s)
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		s = s[1 : len(s)-1]
	}
	return s
}
