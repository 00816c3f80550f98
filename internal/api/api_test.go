package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/analyzer"
	"github.com/mail-cci/headerguard/internal/api/routes"
	"github.com/mail-cci/headerguard/internal/cache"
	"github.com/mail-cci/headerguard/internal/config"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/types"
)

type engineAnalyzer struct{ calls int }

func (e *engineAnalyzer) Submit(ctx context.Context, req analyzer.Request) (types.AnalysisResult, error) {
	e.calls++
	return analyzer.Analyze(req.Headers, req.Body), nil
}

type failingAnalyzer struct{}

func (failingAnalyzer) Submit(ctx context.Context, req analyzer.Request) (types.AnalysisResult, error) {
	return types.AnalysisResult{}, analyzer.ErrPoolStopped
}

type memoryHistory struct {
	saved []types.AnalysisRecord
	err   error
}

func (m *memoryHistory) SaveAnalysis(ctx context.Context, rec *types.AnalysisRecord) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	rec.ID = int64(len(m.saved) + 1)
	m.saved = append(m.saved, *rec)
	return rec.ID, nil
}

func (m *memoryHistory) RecentAnalyses(ctx context.Context, limit int) ([]types.AnalysisRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > len(m.saved) {
		limit = len(m.saved)
	}
	return m.saved[:limit], nil
}

func newTestServer(h *routes.AnalysisHandler) *gin.Engine {
	return NewServer(&config.Config{Env: "test"}, h)
}

func postJSON(t *testing.T, r http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	r := newTestServer(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), routes.Version)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogLevel(t *testing.T) {
	r := newTestServer(nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/log-level?level=shout", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/log-level?level=warn", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"new_level":"warn"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/log-level?level=info", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyzeEmptyInput(t *testing.T) {
	r := newTestServer(&routes.AnalysisHandler{Analyzer: &engineAnalyzer{}})

	w := postJSON(t, r, "/api/v1/analyze", routes.AnalyzeRequest{Headers: "  ", Body: "\n"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"Please provide email headers or content for analysis"}`, w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeCachesAndStores(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), time.Second, time.Minute, zap.NewNop())
	defer c.Close()

	eng := &engineAnalyzer{}
	hist := &memoryHistory{}
	r := newTestServer(&routes.AnalysisHandler{Analyzer: eng, Cache: c, Store: hist})

	body := routes.AnalyzeRequest{Headers: "From: a@x.com\nReply-To: b@y.com"}

	w := postJSON(t, r, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, w.Code)
	var first routes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, 100, first.Result.ThreatScore)
	assert.Equal(t, types.LevelHigh, first.Level)
	assert.False(t, first.Cached)
	assert.NotEmpty(t, first.ID)
	require.Len(t, hist.saved, 1)
	assert.Equal(t, "api", hist.saved[0].Source)
	assert.Equal(t, first.ID, hist.saved[0].CorrelationID)

	w = postJSON(t, r, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, w.Code)
	var second routes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, 1, eng.calls)
	assert.Len(t, hist.saved, 1)
}

func TestAnalyzeCacheFollowsConfigure(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr(), time.Second, time.Minute, zap.NewNop())
	defer c.Close()

	eng := &engineAnalyzer{}
	h := &routes.AnalysisHandler{Analyzer: eng, Cache: c}
	r := newTestServer(h)
	body := routes.AnalyzeRequest{Headers: "From: a@x.com\nReply-To: b@y.com"}

	w := postJSON(t, r, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, w.Code)

	h.Configure(types.AlignmentExact, scoring.Thresholds{Medium: 60, High: 101})
	w = postJSON(t, r, "/api/v1/analyze", body)
	require.Equal(t, http.StatusOK, w.Code)
	var resp routes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, types.LevelMedium, resp.Level)
	assert.Equal(t, 2, eng.calls)

	h.Configure(types.AlignmentRelaxed, scoring.Thresholds{Medium: 60, High: 101})
	w = postJSON(t, r, "/api/v1/analyze", body)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, 3, eng.calls)

	w = postJSON(t, r, "/api/v1/analyze", body)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, 3, eng.calls)
}

func TestAnalyzeStorageFailureStillResponds(t *testing.T) {
	r := newTestServer(&routes.AnalysisHandler{
		Analyzer: &engineAnalyzer{},
		Store:    &memoryHistory{err: errors.New("db down")},
	})

	w := postJSON(t, r, "/api/v1/analyze", routes.AnalyzeRequest{Body: "hello"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAnalyzeUnavailable(t *testing.T) {
	r := newTestServer(&routes.AnalysisHandler{Analyzer: failingAnalyzer{}})
	w := postJSON(t, r, "/api/v1/analyze", routes.AnalyzeRequest{Headers: "From: a@x.com"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func upload(t *testing.T, r http.Handler, name string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUpload(t *testing.T) {
	r := newTestServer(&routes.AnalysisHandler{Analyzer: &engineAnalyzer{}, MaxUpload: 1024})

	msg := "Return-Path: <a@x.com>\r\nReceived-SPF: pass\r\nDKIM-Signature: d=x.com; dkim=pass\r\nFrom: a@x.com\r\n\r\nhello"
	w := upload(t, r, "message.eml", []byte(msg))
	require.Equal(t, http.StatusOK, w.Code)
	var resp routes.AnalyzeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Result.ThreatScore)
	assert.Equal(t, types.LevelLow, resp.Level)

	assert.Equal(t, http.StatusUnsupportedMediaType, upload(t, r, "invoice.pdf", []byte("%PDF")).Code)
	assert.Equal(t, http.StatusBadRequest, upload(t, r, "blob.txt", []byte("a\x00b")).Code)
	assert.Equal(t, http.StatusBadRequest, upload(t, r, "empty.txt", nil).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, upload(t, r, "big.txt", bytes.Repeat([]byte("a"), 2048)).Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/analyze/upload", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistory(t *testing.T) {
	r := newTestServer(&routes.AnalysisHandler{Analyzer: &engineAnalyzer{}})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/analyses", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	hist := &memoryHistory{}
	r = newTestServer(&routes.AnalysisHandler{Analyzer: &engineAnalyzer{}, Store: hist})
	postJSON(t, r, "/api/v1/analyze", routes.AnalyzeRequest{Headers: "From: a@x.com"})
	postJSON(t, r, "/api/v1/analyze", routes.AnalyzeRequest{Headers: "From: b@x.com"})

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/analyses?limit=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Analyses []types.AnalysisRecord `json:"analyses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Analyses, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/analyses?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
