package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abtcloud/kb-chatbot/internal/auth"
	"github.com/abtcloud/kb-chatbot/internal/kb"
	"github.com/abtcloud/kb-chatbot/internal/metrics"
	"github.com/abtcloud/kb-chatbot/internal/models"
	"github.com/abtcloud/kb-chatbot/internal/prompt"
	"github.com/abtcloud/kb-chatbot/internal/store"
)

const defaultHistoryLimit = 50

// Backend is the retrieval-and-generation collaborator as the API consumes
// it.
type Backend interface {
	Query(ctx context.Context, req *models.EnrichedRequest, prompt, modelOverride string) (*kb.Answer, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
}

type Handler struct {
	store    store.Store
	engine   *prompt.Engine
	backend  Backend
	recorder *metrics.Recorder
	gate     *auth.Gate
	logger   *zap.SugaredLogger
}

func NewHandler(st store.Store, engine *prompt.Engine, backend Backend, recorder *metrics.Recorder, gate *auth.Gate, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		store:    st,
		engine:   engine,
		backend:  backend,
		recorder: recorder,
		gate:     gate,
		logger:   logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api", h.gate.Middleware())

	apiGroup.POST("/ask", h.handleAsk)
	apiGroup.GET("/history", h.handleHistory)
	apiGroup.GET("/history/:id", h.handleTurnDetail)
	apiGroup.GET("/sources", h.handleSources)

	adminGroup := apiGroup.Group("", h.gate.RequireAdmin())
	adminGroup.GET("/metrics", h.handleMetrics)
	adminGroup.GET("/metrics/summary", h.handleMetricsSummary)
}

type askRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id"`
	QueryType      string `json:"query_type"`
	Model          string `json:"model"`
}

func (h *Handler) handleAsk(c *gin.Context) {
	started := time.Now()

	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	question := sanitizeInput(req.Question, maxQuestionLength)
	if err := validateQuestion(question); err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), err)
		return
	}

	ctx := c.Request.Context()

	conversationID := sanitizeInput(req.ConversationID, 128)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}

	var override models.QueryType
	if req.QueryType != "" {
		if parsed, ok := prompt.ParseQueryType(req.QueryType); ok {
			override = parsed
		}
	}

	enriched := h.engine.AssembleContext(ctx, conversationID, question, override)
	fullPrompt := h.engine.BuildPrompt(enriched)

	answer, err := h.backend.Query(ctx, enriched, fullPrompt, sanitizeInput(req.Model, 128))
	if err != nil {
		h.logger.Errorw("backend query failed", "conversation_id", conversationID, "error", err)
		h.recorder.Record(ctx, models.EventQuery, map[string]any{
			"question":        question,
			"conversation_id": conversationID,
		}, time.Since(started).Milliseconds(), false, err.Error())

		status := http.StatusBadGateway
		if errors.Is(err, kb.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		writeError(c, status, "failed to answer question", err)
		return
	}

	response := gin.H{
		"answer":          answer.Text,
		"evidence":        answer.Evidence,
		"conversation_id": conversationID,
		"duration_ms":     answer.DurationMS,
		"query_type":      enriched.QueryType,
	}

	turnID, appendErr := h.store.AppendTurn(ctx, store.AppendTurnParams{
		ConversationID: conversationID,
		Question:       question,
		Answer:         answer.Text,
		Evidence:       answer.Evidence,
		ModelUsed:      answer.ModelUsed,
		DurationMS:     answer.DurationMS,
	})
	if appendErr != nil {
		// The answer is valid even when persistence is not; return it
		// with a warning rather than discarding it.
		h.logger.Errorw("turn append failed after successful answer",
			"conversation_id", conversationID, "error", appendErr)
		response["warning"] = "history unavailable"
		response["turn_id"] = 0
	} else {
		response["turn_id"] = turnID
	}

	h.recorder.Record(ctx, models.EventQuery, map[string]any{
		"question":        question,
		"conversation_id": conversationID,
		"turn_id":         turnID,
		"query_type":      string(enriched.QueryType),
		"evidence_count":  len(answer.Evidence),
		"persisted":       appendErr == nil,
	}, time.Since(started).Milliseconds(), true, "")

	c.JSON(http.StatusOK, response)
}

func (h *Handler) handleHistory(c *gin.Context) {
	conversationID := sanitizeInput(c.Query("conversation_id"), 128)

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid limit parameter", err)
			return
		}
		limit = parsed
	}

	turns, err := h.store.ListTurns(c.Request.Context(), conversationID, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to load history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": turns,
		"count":   len(turns),
	})
}

func (h *Handler) handleTurnDetail(c *gin.Context) {
	turnID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid turn id", err)
		return
	}
	if turnID <= 0 {
		writeError(c, http.StatusBadRequest, "invalid turn id", errors.New("turn id must be positive"))
		return
	}

	turn, err := h.store.GetTurn(c.Request.Context(), turnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(c, http.StatusNotFound, "turn not found", err)
			return
		}
		writeError(c, http.StatusInternalServerError, "failed to load turn", err)
		return
	}

	c.JSON(http.StatusOK, turn)
}

func (h *Handler) handleSources(c *gin.Context) {
	documents, err := h.backend.ListDocuments(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusBadGateway, "failed to list documents", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documents": documents,
		"count":     len(documents),
	})
}

func (h *Handler) handleMetrics(c *gin.Context) {
	days := parseDays(c.Query("days"))

	var eventType models.EventType
	if raw := sanitizeInput(c.Query("event_type"), 32); raw != "" {
		candidate := models.EventType(raw)
		if models.ValidEventType(candidate) {
			eventType = candidate
		} else {
			h.logger.Warnw("ignoring invalid event_type filter", "event_type", raw)
		}
	}

	ctx := c.Request.Context()

	summary, err := h.recorder.Summarize(ctx, days)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to summarize metrics", err)
		return
	}

	recent, err := h.recorder.Recent(ctx, eventType, days)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to list metrics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"summary":        summary,
		"recent_metrics": recent,
		"period_days":    days,
	})
}

func (h *Handler) handleMetricsSummary(c *gin.Context) {
	days := parseDays(c.Query("days"))

	summary, err := h.recorder.Summarize(c.Request.Context(), days)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "failed to summarize metrics", err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func parseDays(raw string) int {
	days, err := strconv.Atoi(raw)
	if err != nil {
		return metrics.DefaultWindowDays
	}
	return metrics.ClampWindowDays(days)
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
