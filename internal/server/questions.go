package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/noema-labs/noema-qa/internal/qa"
	"github.com/noema-labs/noema-qa/internal/service"
	"github.com/noema-labs/noema-qa/internal/store"
)

// QAService is the pipeline surface the HTTP handlers depend on.
type QAService interface {
	Submit(ctx context.Context, id service.Identity, contentID, sectionID, questionText string) (service.SubmitResult, error)
	ReadAnswer(ctx context.Context, id service.Identity, questionID string) (service.ReadResult, error)
	ListHistory(ctx context.Context, id service.Identity, contentID string) ([]store.HistoryItem, error)
	AdminOverrideAnswer(ctx context.Context, id service.Identity, questionID, answerText string) error
}

// QuestionsHandler exposes the question lifecycle over HTTP.
type QuestionsHandler struct {
	Service QAService
}

// Register mounts the question routes behind JWT auth.
func (h *QuestionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.submit)
	g.GET("/:id/answer", h.readAnswer)
	g.GET("/history", h.listHistory)
	g.PUT("/:id/answer", h.overrideAnswer)
}

type submitRequest struct {
	ContentID    string `json:"content_id"`
	SectionID    string `json:"section_id"`
	QuestionText string `json:"question_text"`
}

type submitResponse struct {
	QuestionID string `json:"question_id"`
	Status     string `json:"status"`
	Cached     bool   `json:"cached"`
}

func (h *QuestionsHandler) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.Service.Submit(c.Request().Context(), identityFrom(c), req.ContentID, req.SectionID, req.QuestionText)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, submitResponse{
		QuestionID: res.Question.ID,
		Status:     string(res.Question.Status),
		Cached:     res.Cached,
	})
}

type answerPayload struct {
	AnswerText       string         `json:"answer_text"`
	SourceRefs       []qa.SourceRef `json:"source_refs"`
	TokensPrompt     int            `json:"tokens_prompt"`
	TokensCompletion int            `json:"tokens_completion"`
	ModelID          string         `json:"model_id"`
	LatencyMs        int64          `json:"latency_ms"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type readAnswerResponse struct {
	QuestionID string         `json:"question_id"`
	Status     string         `json:"status"`
	Answer     *answerPayload `json:"answer,omitempty"`
	Message    string         `json:"message,omitempty"`
}

func (h *QuestionsHandler) readAnswer(c echo.Context) error {
	res, err := h.Service.ReadAnswer(c.Request().Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	out := readAnswerResponse{
		QuestionID: res.Question.ID,
		Status:     string(res.Question.Status),
		Message:    res.Message,
	}
	if res.Answer != nil {
		out.Answer = toAnswerPayload(*res.Answer)
	}
	return c.JSON(http.StatusOK, out)
}

type historyItem struct {
	QuestionID   string         `json:"question_id"`
	UserID       string         `json:"user_id"`
	SectionID    string         `json:"section_id"`
	QuestionText string         `json:"question_text"`
	AskedAt      time.Time      `json:"asked_at"`
	Answer       *answerPayload `json:"answer"`
}

func (h *QuestionsHandler) listHistory(c echo.Context) error {
	contentID := c.QueryParam("content_id")
	if contentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content_id is required")
	}
	items, err := h.Service.ListHistory(c.Request().Context(), identityFrom(c), contentID)
	if err != nil {
		return httpError(err)
	}
	out := make([]historyItem, 0, len(items))
	for _, item := range items {
		out = append(out, historyItem{
			QuestionID:   item.Question.ID,
			UserID:       item.Question.UserID,
			SectionID:    item.Question.SectionID,
			QuestionText: item.Question.QuestionText,
			AskedAt:      item.Question.CreatedAt,
			Answer:       toAnswerPayload(item.Answer),
		})
	}
	return c.JSON(http.StatusOK, out)
}

type overrideRequest struct {
	AnswerText string `json:"answer_text"`
}

func (h *QuestionsHandler) overrideAnswer(c echo.Context) error {
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Service.AdminOverrideAnswer(c.Request().Context(), identityFrom(c), c.Param("id"), req.AnswerText); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func toAnswerPayload(ans qa.Answer) *answerPayload {
	return &answerPayload{
		AnswerText:       ans.AnswerText,
		SourceRefs:       ans.SourceRefs,
		TokensPrompt:     ans.TokensPrompt,
		TokensCompletion: ans.TokensCompletion,
		ModelID:          ans.ModelID,
		LatencyMs:        ans.LatencyMs,
		UpdatedAt:        ans.UpdatedAt,
	}
}

// httpError maps service sentinels to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, qa.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, qa.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, qa.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
