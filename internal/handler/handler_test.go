package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regaudit-go/internal/model"
	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/service"
)

type fakeAudit struct {
	err       error
	splitErr  error
	lastReq   service.AuditRequest
	splitName string
}

func (f *fakeAudit) Audit(ctx context.Context, req service.AuditRequest, observer service.AuditObserver) (*model.AuditResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	resp := &model.AuditResponse{
		Success:     true,
		Query:       req.Query,
		BaseContext: []model.RetrievalResult{{Text: "keep cold", DocName: "reg.pdf", PageRange: "p.4"}},
		StorageInfo: model.StorageInfo{VectorIndexPath: "db/index.vec", MetadataDBPath: "db/chunks.db"},
	}
	for i, frag := range req.Fragments {
		result := model.FragmentResult{ChunkText: frag.Text, Status: model.FragmentDone, NoIssues: true}
		resp.IndividualResults = append(resp.IndividualResults, result)
		if observer != nil {
			observer(i, result)
		}
	}
	return resp, nil
}

func (f *fakeAudit) SplitProcedure(ctx context.Context, fileName string, data []byte) ([]model.Fragment, error) {
	f.splitName = fileName
	if f.splitErr != nil {
		return nil, f.splitErr
	}
	var frags []model.Fragment
	for _, part := range strings.Split(string(data), "\n\n") {
		frags = append(frags, model.Fragment{Text: part, DocName: fileName, PageRange: "N/A"})
	}
	return frags, nil
}

type fakeRetrieval struct {
	err  error
	gotK int
}

func (f *fakeRetrieval) Retrieve(ctx context.Context, query string, k int) ([]model.RetrievalResult, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return []model.RetrievalResult{{Text: "keep cold", Score: 0.9}}, nil
}

func (f *fakeRetrieval) RetrieveForFragment(ctx context.Context, query, fragment string, k int) ([]model.RetrievalResult, error) {
	return f.Retrieve(ctx, service.EnhancedQuery(query, fragment), k)
}

func (f *fakeRetrieval) Available(ctx context.Context) error { return f.err }

type fakeRegulation struct {
	submitted []string
	reindex   error
	errs      map[string]error
}

func (f *fakeRegulation) Submit(ctx context.Context, fileName string, size int64, data io.Reader) (*model.RegulationDocument, error) {
	if err := f.errs[fileName]; err != nil {
		f.submitted = append(f.submitted, fileName)
		return nil, err
	}
	if strings.HasSuffix(fileName, ".exe") {
		return nil, fmt.Errorf("%w: unsupported regulation file type", service.ErrInvalidInput)
	}
	f.submitted = append(f.submitted, fileName)
	return &model.RegulationDocument{FileID: "id-" + fileName, FileName: fileName, Status: model.DocumentStatusPending}, nil
}

func (f *fakeRegulation) ListDocuments(ctx context.Context) ([]model.RegulationDocument, error) {
	return []model.RegulationDocument{{FileName: "reg.pdf", Status: model.DocumentStatusDone}}, nil
}

func (f *fakeRegulation) Status(ctx context.Context) (*service.IndexStatus, error) {
	return &service.IndexStatus{ConsistencyReport: pipeline.ConsistencyReport{MetadataRows: 3, VectorOrdinals: 3, Consistent: true}}, nil
}

func (f *fakeRegulation) Reindex(ctx context.Context) (pipeline.ConsistencyReport, error) {
	if f.reindex != nil {
		return pipeline.ConsistencyReport{}, f.reindex
	}
	return pipeline.ConsistencyReport{MetadataRows: 3, VectorOrdinals: 3, Consistent: true}, nil
}

func newRouter(audit *fakeAudit, retrieval *fakeRetrieval, regulation *fakeRegulation) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", Root)
	auditHandler := NewAuditHandler(audit, 5)
	r.POST("/api/audit/search", auditHandler.Search)
	r.GET("/api/audit/ws", auditHandler.Stream)
	r.GET("/api/search/hybrid", NewSearchHandler(retrieval, 5).HybridSearch)
	reg := NewRegulationHandler(regulation)
	r.POST("/api/regulation-pdf/process", reg.Process)
	r.GET("/api/regulation-pdf/documents", reg.ListDocuments)
	r.GET("/api/regulation-pdf/status", reg.Status)
	r.POST("/api/regulation-pdf/reindex", reg.Reindex)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, fileField string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		part, err := w.CreateFormFile(fileField, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

// orderedFiles 按给定顺序写入同名字段的多个文件。
func orderedFiles(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, name := range names {
		part, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func postFiles(t *testing.T, r *gin.Engine, names ...string) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := orderedFiles(t, names...)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/regulation-pdf/process", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	return w
}

func TestRoot(t *testing.T) {
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, &fakeRegulation{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Welcome")
}

func TestAuditSearch_WithProcedureFile(t *testing.T) {
	audit := &fakeAudit{}
	r := newRouter(audit, &fakeRetrieval{}, &fakeRegulation{})
	body, ct := multipartBody(t, map[string]string{"query": "cold chain", "top_k": "3"}, "file",
		map[string]string{"sop.txt": "Store at 10C.\n\nTrain staff yearly."})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/audit/search", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp model.AuditResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "cold chain", resp.Query)
	assert.Len(t, resp.IndividualResults, 2)
	assert.Equal(t, "db/index.vec", resp.StorageInfo.VectorIndexPath)
	assert.Equal(t, 3, audit.lastReq.TopK)
	assert.Equal(t, "sop.txt", audit.splitName)
}

func TestAuditSearch_DefaultsAndValidation(t *testing.T) {
	audit := &fakeAudit{}
	r := newRouter(audit, &fakeRetrieval{}, &fakeRegulation{})

	body, ct := multipartBody(t, map[string]string{"query": "cold chain"}, "", nil)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/audit/search", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, audit.lastReq.TopK)
	assert.Empty(t, audit.lastReq.Fragments)

	body, ct = multipartBody(t, map[string]string{"query": "  "}, "", nil)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/audit/search", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)

	body, ct = multipartBody(t, map[string]string{"query": "q", "top_k": "zero"}, "", nil)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/audit/search", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditSearch_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{service.ErrIndexUnavailable, http.StatusBadRequest},
		{service.ErrUnsupportedDocument, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", pipeline.ErrIndexCorruption), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		r := newRouter(&fakeAudit{err: tc.err}, &fakeRetrieval{}, &fakeRegulation{})
		body, ct := multipartBody(t, map[string]string{"query": "q"}, "", nil)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/audit/search", body)
		req.Header.Set("Content-Type", ct)
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
		assert.NotContains(t, w.Body.String(), "individual_results")
	}
}

func TestAuditStream(t *testing.T) {
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, &fakeRegulation{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/audit/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"query": "cold chain",
		"text":  "Store at 10C.\n\nTrain staff yearly.",
	}))

	var types []string
	var indexes []int
	for {
		var msg streamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
		if msg.Type == "fragment" {
			require.NotNil(t, msg.Index)
			indexes = append(indexes, *msg.Index)
		}
		if msg.Type == "completion" || msg.Type == "error" {
			break
		}
	}
	assert.Equal(t, []string{"started", "fragment", "fragment", "completion"}, types)
	assert.Equal(t, []int{0, 1}, indexes)
}

func TestAuditStream_ReportsFailure(t *testing.T) {
	r := newRouter(&fakeAudit{err: service.ErrIndexUnavailable}, &fakeRetrieval{}, &fakeRegulation{})
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/audit/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]any{"query": "q"}))

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "started", msg.Type)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, http.StatusBadRequest, msg.Code)
}

func TestHybridSearch(t *testing.T) {
	retrieval := &fakeRetrieval{}
	r := newRouter(&fakeAudit{}, retrieval, &fakeRegulation{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search/hybrid?query=cold&topK=2", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, retrieval.gotK)
	assert.Contains(t, w.Body.String(), "keep cold")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search/hybrid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	retrieval.err = service.ErrIndexUnavailable
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/search/hybrid?query=cold", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 5, retrieval.gotK)
}

func TestRegulationProcess(t *testing.T) {
	regulation := &fakeRegulation{}
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, regulation)

	body, ct := multipartBody(t, nil, "files", map[string]string{"reg.pdf": "%PDF", "bad.exe": "MZ"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/regulation-pdf/process", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"reg.pdf"}, regulation.submitted)
	assert.Contains(t, w.Body.String(), "processed 1 of 2 files")

	body, ct = multipartBody(t, nil, "files", map[string]string{"bad.exe": "MZ"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/regulation-pdf/process", body)
	req.Header.Set("Content-Type", ct)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegulationMaintenance(t *testing.T) {
	regulation := &fakeRegulation{}
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, regulation)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/regulation-pdf/documents", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "reg.pdf")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/regulation-pdf/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"consistent":true`)

	regulation.reindex = &pipeline.CorruptionError{MetadataRows: 3, VectorOrdinals: 2, Reason: "mismatch"}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/regulation-pdf/reindex", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegulationProcess_CorruptionAbortsWith409(t *testing.T) {
	regulation := &fakeRegulation{errs: map[string]error{
		"b.pdf": &pipeline.CorruptionError{MetadataRows: 2, VectorOrdinals: 3, Reason: "counts differ before ingestion"},
	}}
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, regulation)

	w := postFiles(t, r, "a.pdf", "b.pdf", "c.pdf")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, regulation.submitted)

	var resp struct {
		Success bool            `json:"success"`
		Files   []struct {
			Status string `json:"status"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.Len(t, resp.Files, 3)
	assert.Equal(t, "failed", resp.Files[1].Status)
	assert.Equal(t, "skipped", resp.Files[2].Status)
}

func TestRegulationProcess_AllFailedUsesMostSevereStatus(t *testing.T) {
	regulation := &fakeRegulation{errs: map[string]error{
		"a.pdf": fmt.Errorf("%w: unsupported regulation file type", service.ErrInvalidInput),
		"b.pdf": fmt.Errorf("tika extraction failed: %w", io.ErrUnexpectedEOF),
	}}
	r := newRouter(&fakeAudit{}, &fakeRetrieval{}, regulation)

	w := postFiles(t, r, "a.pdf", "b.pdf")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, regulation.submitted)

	w = postFiles(t, r, "a.pdf")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
