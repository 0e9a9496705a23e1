package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/ingestion"
	"github.com/course-coach/backend/pkg/logger"
)

type ContentHandler struct {
	processor *ingestion.Processor
}

func NewContentHandler(processor *ingestion.Processor) *ContentHandler {
	return &ContentHandler{
		processor: processor,
	}
}

// IngestContainer accepts one chapter or lab worth of authored HTML and
// indexes it into addressable nodes.
func (h *ContentHandler) IngestContainer(c *fiber.Ctx) error {
	var req struct {
		CourseID      string   `json:"course_id"`
		Day           int      `json:"day"`
		ContainerType string   `json:"container_type"`
		ContainerSeq  int      `json:"container_seq"`
		Title         string   `json:"title"`
		HTML          string   `json:"html"`
		PrimaryTopic  string   `json:"primary_topic"`
		Aliases       []string `json:"aliases"`
		Keywords      []string `json:"keywords"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.HTML == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "html is required",
		})
	}

	count, err := h.processor.ProcessContainer(c.Context(), ingestion.ContainerInput{
		CourseID:      req.CourseID,
		Day:           req.Day,
		ContainerType: req.ContainerType,
		ContainerSeq:  req.ContainerSeq,
		Title:         req.Title,
		HTML:          req.HTML,
		PrimaryTopic:  req.PrimaryTopic,
		Aliases:       req.Aliases,
		Keywords:      req.Keywords,
	})
	if err != nil {
		logger.Error("Failed to ingest container", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "Container ingested",
		"nodes":   count,
	})
}
