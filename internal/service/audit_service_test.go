package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regaudit-go/internal/model"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/llm"
)

// citingClient 模拟遵守输出格式的模型：引用片段原文，并引用上下文中的第一条法规。
type citingClient struct {
	mu       sync.Mutex
	prompts  []string
	failOn   map[int]bool
	messages [][]llm.Message
}

func (c *citingClient) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	c.mu.Lock()
	call := len(c.prompts)
	c.prompts = append(c.prompts, messages[len(messages)-1].Content)
	c.messages = append(c.messages, messages)
	c.mu.Unlock()

	if c.failOn[call] {
		return "", errors.New("quota exceeded")
	}

	prompt := messages[len(messages)-1].Content
	chunkAt := strings.Index(prompt, "SOP DOCUMENT CHUNK:\n")
	rest := prompt[chunkAt+len("SOP DOCUMENT CHUNK:\n"):]
	fragment := rest[:strings.Index(rest, "\nSource: ")]

	ctxAt := strings.Index(prompt, "REGULATORY CONTEXT:\n")
	var items []contextItem
	if err := json.Unmarshal([]byte(prompt[ctxAt+len("REGULATORY CONTEXT:\n"):]), &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return NoIssuesSentinel, nil
	}
	top := items[0]
	return fmt.Sprintf("ISSUE IN SOP DOCUMENT:\n\"%s\"\n\nWHY ERROR:\nThe procedure contradicts the regulation.\n\n"+
		"CITATION FROM CONTEXT:\n\"%s\"\nSource: %s, Page: %s", fragment, top.Text, top.Source, top.Page), nil
}

type blockingClient struct{}

func (blockingClient) Complete(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeTextExtractor struct{ text string }

func (f fakeTextExtractor) ExtractText(ctx context.Context, r io.Reader, fileName string) (string, error) {
	return f.text, nil
}

func newAuditService(env *serviceEnv, client llm.Client, timeout time.Duration) AuditService {
	temperature := 0.1
	maxTokens := 1000
	return NewAuditService(
		env.retrieval,
		client,
		fakeTextExtractor{text: "Store vaccine vials at room temperature."},
		chunker.New(),
		&llm.GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens},
		timeout,
		model.StorageInfo{VectorIndexPath: env.indexPath, MetadataDBPath: env.dbPath},
	)
}

func TestAudit_ColdChainScenario(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	env.ingest(t, coldChainCorpus()...)
	client := &citingClient{}
	svc := newAuditService(env, client, time.Minute)

	resp, err := svc.Audit(ctx, AuditRequest{
		Query: "refrigeration",
		TopK:  2,
		Fragments: []model.Fragment{
			{Text: "Store vaccine vials at room temperature.", DocName: "sop.docx", PageRange: "N/A"},
		},
	}, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "refrigeration", resp.Query)
	assert.Equal(t, env.indexPath, resp.StorageInfo.VectorIndexPath)
	require.NotEmpty(t, resp.BaseContext)
	assert.Equal(t, "p.4", resp.BaseContext[0].PageRange)

	require.Len(t, resp.IndividualResults, 1)
	result := resp.IndividualResults[0]
	assert.Equal(t, model.FragmentDone, result.Status)
	assert.Equal(t, "Storage must be refrigerated at 2–8°C.", result.Context[0].Text)
	assert.Contains(t, result.AnalysisResult, "Store vaccine vials at room temperature.")
	assert.Contains(t, result.AnalysisResult, "ColdChainReg.pdf, Page: p.4")
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "Store vaccine vials at room temperature.", result.Issues[0].SOPText)
	assert.Contains(t, result.Issues[0].Citation, "Source: ColdChainReg.pdf, Page: p.4")

	// 提示词使用固定的系统角色与输出格式
	require.Len(t, client.messages, 1)
	assert.Equal(t, "system", client.messages[0][0].Role)
	assert.Contains(t, client.messages[0][0].Content, "compliance expert")
	assert.Contains(t, client.prompts[0], "Source: sop.docx")
	assert.Contains(t, client.prompts[0], `"page": "p.4"`)
}

func TestAudit_EmptyStoreFailsBeforeAnyFragment(t *testing.T) {
	env := newServiceEnv(t)
	client := &citingClient{}
	svc := newAuditService(env, client, time.Minute)

	_, err := svc.Audit(context.Background(), AuditRequest{
		Query:     "refrigeration",
		Fragments: []model.Fragment{{Text: "Store vials at room temperature."}},
	}, nil)
	assert.True(t, errors.Is(err, ErrIndexUnavailable))
	assert.Empty(t, client.prompts)
}

func TestAudit_NoFragmentsStillReturnsBaseContext(t *testing.T) {
	env := newServiceEnv(t)
	env.ingest(t, coldChainCorpus()...)
	resp, err := newAuditService(env, &citingClient{}, 0).Audit(context.Background(), AuditRequest{Query: "refrigeration"}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.IndividualResults)
	assert.NotEmpty(t, resp.BaseContext)
}

func TestAudit_CompletionFailureIsIsolated(t *testing.T) {
	env := newServiceEnv(t)
	env.ingest(t, coldChainCorpus()...)
	client := &citingClient{failOn: map[int]bool{1: true}}
	svc := newAuditService(env, client, time.Minute)

	var observed []int
	resp, err := svc.Audit(context.Background(), AuditRequest{
		Query: "refrigeration",
		Fragments: []model.Fragment{
			{Text: "Store vials at room temperature."},
			{Text: "Staff are trained yearly."},
			{Text: "Excursions are not recorded."},
		},
	}, func(index int, result model.FragmentResult) {
		observed = append(observed, index)
	})
	require.NoError(t, err)
	require.Len(t, resp.IndividualResults, 3)
	assert.Equal(t, []int{0, 1, 2}, observed)

	assert.Equal(t, model.FragmentDone, resp.IndividualResults[0].Status)
	assert.Equal(t, model.FragmentFailed, resp.IndividualResults[1].Status)
	assert.Equal(t, "Error in completion processing: quota exceeded", resp.IndividualResults[1].AnalysisResult)
	assert.Equal(t, "Staff are trained yearly.", resp.IndividualResults[1].ChunkText)
	assert.Equal(t, model.FragmentDone, resp.IndividualResults[2].Status)
}

func TestAudit_DeadlineMarksRemainingFragmentsFailed(t *testing.T) {
	env := newServiceEnv(t)
	env.ingest(t, coldChainCorpus()...)
	svc := newAuditService(env, blockingClient{}, 50*time.Millisecond)

	resp, err := svc.Audit(context.Background(), AuditRequest{
		Query:     "refrigeration",
		Fragments: []model.Fragment{{Text: "first"}, {Text: "second"}, {Text: "third"}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, resp.IndividualResults, 3)
	for _, result := range resp.IndividualResults {
		assert.Equal(t, model.FragmentFailed, result.Status)
	}
	assert.True(t, strings.HasPrefix(resp.IndividualResults[0].AnalysisResult, "Error in completion processing:"))
	assert.Contains(t, resp.IndividualResults[2].AnalysisResult, "deadline exceeded")
}

func TestAudit_RejectsEmptyQuery(t *testing.T) {
	env := newServiceEnv(t)
	_, err := newAuditService(env, &citingClient{}, 0).Audit(context.Background(), AuditRequest{Query: ""}, nil)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestSplitProcedure(t *testing.T) {
	env := newServiceEnv(t)
	svc := newAuditService(env, &citingClient{}, 0)
	ctx := context.Background()

	fragments, err := svc.SplitProcedure(ctx, "sop.docx", []byte("PK binary"))
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, model.Fragment{Text: "Store vaccine vials at room temperature.", DocName: "sop.docx", PageRange: "N/A"}, fragments[0])

	fragments, err = svc.SplitProcedure(ctx, "notes.txt", []byte("Keep the fridge closed."))
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "notes.txt", fragments[0].DocName)

	_, err = svc.SplitProcedure(ctx, "image.png", []byte{0x89})
	assert.True(t, errors.Is(err, ErrUnsupportedDocument))
}

func TestBuildAnalysisPrompt(t *testing.T) {
	prompt := BuildAnalysisPrompt(
		model.Fragment{Text: "Keep vials < 25°C & dry."},
		[]model.RetrievalResult{{Text: "Store at 2–8°C.", DocName: "ColdChainReg.pdf"}},
	)
	assert.Contains(t, prompt, "SOP DOCUMENT CHUNK:\nKeep vials < 25°C & dry.\nSource: Unknown")
	assert.Contains(t, prompt, `"text": "Store at 2–8°C."`)
	assert.Contains(t, prompt, `"source": "ColdChainReg.pdf"`)
	assert.Contains(t, prompt, `"page": "N/A"`)
	assert.Contains(t, prompt, `respond with exactly: "No compliance issues found in this section."`)
}

func TestParseAnalysis(t *testing.T) {
	noIssues, issues := ParseAnalysis("No compliance issues found in this section.")
	assert.True(t, noIssues)
	assert.Empty(t, issues)

	noIssues, issues = ParseAnalysis("The section looks mostly fine.")
	assert.False(t, noIssues)
	assert.Empty(t, issues)

	text := "**ISSUE IN SOP DOCUMENT:**\n\"Store at room temperature.\"\n\n**WHY ERROR:**\nMust be refrigerated.\n\n" +
		"**CITATION FROM CONTEXT:**\n\"Storage must be refrigerated at 2–8°C.\"\nSource: ColdChainReg.pdf, Page: p.4\n\n---\n\n" +
		"ISSUE IN SOP DOCUMENT:\nNo log.\n\nWHY ERROR:\nRecords required.\n\nCITATION FROM CONTEXT:\nKeep records.\nSource: GDP.pdf, Page: p.2"
	noIssues, issues = ParseAnalysis(text)
	assert.False(t, noIssues)
	require.Len(t, issues, 2)
	assert.Equal(t, "Store at room temperature.", issues[0].SOPText)
	assert.Equal(t, "Must be refrigerated.", issues[0].Why)
	assert.Equal(t, "\"Storage must be refrigerated at 2–8°C.\"\nSource: ColdChainReg.pdf, Page: p.4", issues[0].Citation)
	assert.Equal(t, "No log.", issues[1].SOPText)
}
