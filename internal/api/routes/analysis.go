package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mail-cci/headerguard/internal/analyzer"
	"github.com/mail-cci/headerguard/internal/api/middleware"
	"github.com/mail-cci/headerguard/internal/cache"
	"github.com/mail-cci/headerguard/internal/ingest"
	"github.com/mail-cci/headerguard/internal/metrics"
	"github.com/mail-cci/headerguard/internal/scoring"
	"github.com/mail-cci/headerguard/internal/types"
	"github.com/mail-cci/headerguard/pkg/helpers"
)

const (
	defaultMaxUpload    = 10 << 20
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	emptyInputMessage   = "Please provide email headers or content for analysis"
)

// Analyzer runs an analysis, typically through an analyzer.Pool.
type Analyzer interface {
	Submit(ctx context.Context, req analyzer.Request) (types.AnalysisResult, error)
}

// History persists analyses.
type History interface {
	SaveAnalysis(ctx context.Context, rec *types.AnalysisRecord) (int64, error)
	RecentAnalyses(ctx context.Context, limit int) ([]types.AnalysisRecord, error)
}

// AnalysisHandler serves the analysis endpoints. Cache and Store are optional.
// Alignment and Thresholds are the starting settings; use Configure to change
// them while serving.
type AnalysisHandler struct {
	Analyzer   Analyzer
	Cache      *cache.Results
	Store      History
	Alignment  types.AlignmentMode
	Thresholds scoring.Thresholds
	Logger     *zap.Logger
	MaxUpload  int64

	active atomic.Pointer[scoringSettings]
}

type scoringSettings struct {
	alignment  types.AlignmentMode
	thresholds scoring.Thresholds
}

// Configure records the alignment mode the analyzer now runs with and the
// thresholds used to derive levels. Cached results from other settings are
// not reused.
func (h *AnalysisHandler) Configure(alignment types.AlignmentMode, t scoring.Thresholds) {
	if alignment == "" {
		alignment = types.AlignmentExact
	}
	if t == (scoring.Thresholds{}) {
		t = scoring.DefaultThresholds
	}
	h.active.Store(&scoringSettings{alignment: alignment, thresholds: t})
}

func (h *AnalysisHandler) settings() *scoringSettings {
	if s := h.active.Load(); s != nil {
		return s
	}
	return &scoringSettings{alignment: types.AlignmentExact, thresholds: scoring.DefaultThresholds}
}

// cacheKey ties a cached result to the settings that produced it.
func (s *scoringSettings) cacheKey(hash string) string {
	return fmt.Sprintf("%s:%s:%d:%d", hash, s.alignment, s.thresholds.Medium, s.thresholds.High)
}

// AnalyzeRequest is the body of POST /api/v1/analyze.
type AnalyzeRequest struct {
	Headers string `json:"headers"`
	Body    string `json:"body"`
}

// AnalyzeResponse is returned by both analysis endpoints.
type AnalyzeResponse struct {
	ID     string               `json:"id"`
	Result types.AnalysisResult `json:"result"`
	Level  types.ThreatLevel    `json:"level"`
	Cached bool                 `json:"cached"`
}

// AddAnalysisRoutes registers the /api/v1 analysis routes.
func AddAnalysisRoutes(r *gin.Engine, h *AnalysisHandler) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.MaxUpload <= 0 {
		h.MaxUpload = defaultMaxUpload
	}
	if h.active.Load() == nil {
		h.Configure(h.Alignment, h.Thresholds)
	}

	v1 := r.Group("/api/v1")
	v1.POST("/analyze", h.analyze)
	v1.POST("/analyze/upload", h.upload)
	v1.GET("/analyses", h.history)
}

func (h *AnalysisHandler) analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Headers) == "" && strings.TrimSpace(req.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": emptyInputMessage})
		return
	}
	h.respond(c, "api", req.Headers, req.Body)
}

func (h *AnalysisHandler) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	msg, err := ingest.ReadFile(fh.Filename, f, h.MaxUpload)
	switch {
	case errors.Is(err, ingest.ErrUnsupportedFile):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Please upload a .eml or .txt file"})
		return
	case errors.Is(err, ingest.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	case errors.Is(err, ingest.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": emptyInputMessage})
		return
	case errors.Is(err, ingest.ErrNotText):
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is not a text message"})
		return
	case err != nil:
		h.Logger.Error("reading upload", zap.String("file", fh.Filename), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}

	h.respond(c, "upload", msg.Headers, ingest.TextBody(msg.Headers, msg.Body))
}

func (h *AnalysisHandler) respond(c *gin.Context, source, headerText, body string) {
	ctx := c.Request.Context()
	id := c.GetString(middleware.CorrelationIDKey)
	if id == "" {
		id = helpers.GenerateCorrelationID()
	}
	hash := helpers.HashHeaders(headerText, body)
	st := h.settings()
	key := st.cacheKey(hash)

	if res, level, ok := h.Cache.Get(ctx, key); ok {
		c.JSON(http.StatusOK, AnalyzeResponse{ID: id, Result: res, Level: level, Cached: true})
		return
	}

	res, err := h.Analyzer.Submit(ctx, analyzer.Request{Headers: headerText, Body: body})
	if err != nil {
		h.Logger.Error("analysis failed", zap.String("correlation_id", id), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis unavailable"})
		return
	}
	level := st.thresholds.Level(res.ThreatScore)
	metrics.ObserveAnalysis(source, res)
	h.Cache.Set(ctx, key, res, level)

	if h.Store != nil {
		rec := &types.AnalysisRecord{
			CorrelationID: id,
			Source:        source,
			HeaderHash:    hash,
			Result:        res,
			Level:         level,
		}
		if _, err := h.Store.SaveAnalysis(ctx, rec); err != nil {
			h.Logger.Error("saving analysis", zap.String("correlation_id", id), zap.Error(err))
		}
	}

	h.Logger.Info("analysis complete",
		zap.String("correlation_id", id),
		zap.String("source", source),
		zap.Int("threat_score", res.ThreatScore),
		zap.String("level", string(level)))
	c.JSON(http.StatusOK, AnalyzeResponse{ID: id, Result: res, Level: level})
}

func (h *AnalysisHandler) history(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history storage not configured"})
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	recs, err := h.Store.RecentAnalyses(c.Request.Context(), limit)
	if err != nil {
		h.Logger.Error("loading history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if recs == nil {
		recs = []types.AnalysisRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"analyses": recs})
}
