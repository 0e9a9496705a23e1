package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/metrics"
	"github.com/course-coach/backend/internal/pipeline"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/internal/storage/sqlite"
	"github.com/course-coach/backend/pkg/logger"
)

type QueryHandler struct {
	pipeline *pipeline.Pipeline
	db       *sqlite.Client
}

func NewQueryHandler(p *pipeline.Pipeline, db *sqlite.Client) *QueryHandler {
	return &QueryHandler{
		pipeline: p,
		db:       db,
	}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Question string `json:"question"`
		CourseID string `json:"course_id"`
		UserID   string `json:"user_id"`
		Day      int    `json:"day"`
		Limit    int    `json:"limit"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Question == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Question is required",
		})
	}
	if req.CourseID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "course_id is required",
		})
	}

	response := h.pipeline.ProcessQuery(c.Context(), pipeline.Request{
		Question: req.Question,
		CourseID: req.CourseID,
		UserID:   req.UserID,
		Filters:  models.NodeFilters{Day: req.Day},
		Limit:    req.Limit,
	})

	return c.JSON(response)
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}

	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	records, err := h.db.GetQueryHistory(userID, limit)
	if err != nil {
		logger.Error("Failed to fetch query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch query history",
		})
	}

	history := make([]fiber.Map, 0, len(records))
	for _, r := range records {
		history = append(history, fiber.Map{
			"query_id":   r.ID,
			"course_id":  r.CourseID,
			"question":   r.Question,
			"answer":     r.Answer,
			"source":     r.Source,
			"confidence": r.Confidence,
			"latency_ms": r.LatencyMS,
			"created_at": r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"history": history,
	})
}

func (h *QueryHandler) HandleFeedback(c *fiber.Ctx) error {
	var req struct {
		QueryID string `json:"query_id"`
		Helpful *bool  `json:"helpful"`
		Comment string `json:"comment"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.QueryID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id and helpful are required",
		})
	}

	err := h.db.StoreFeedback(&models.Feedback{
		QueryID: req.QueryID,
		Helpful: *req.Helpful,
		Comment: req.Comment,
	})
	if err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}

	helpful := "false"
	if *req.Helpful {
		helpful = "true"
	}
	metrics.UserSatisfaction.WithLabelValues(helpful).Inc()

	return c.JSON(fiber.Map{
		"message": "Feedback recorded",
	})
}
