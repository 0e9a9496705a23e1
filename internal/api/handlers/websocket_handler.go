package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/course-coach/backend/internal/pipeline"
	"github.com/course-coach/backend/internal/storage/models"
	"github.com/course-coach/backend/pkg/logger"
)

type WebSocketHandler struct {
	pipeline *pipeline.Pipeline
}

func NewWebSocketHandler(p *pipeline.Pipeline) *WebSocketHandler {
	return &WebSocketHandler{
		pipeline: p,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type     string `json:"type"`
			Question string `json:"question"`
			CourseID string `json:"course_id"`
			UserID   string `json:"user_id"`
			Day      int    `json:"day"`
		}

		err := c.ReadJSON(&msg)
		if err != nil {
			logger.Error("Failed to read WebSocket message", zap.Error(err))
			break
		}

		if msg.Type != "question" {
			continue
		}

		if msg.Question == "" || msg.CourseID == "" {
			h.sendError(c, "question and course_id are required")
			continue
		}

		logger.Info("Processing WebSocket question", zap.String("question", msg.Question))

		err = h.streamResponse(c, pipeline.Request{
			Question: msg.Question,
			CourseID: msg.CourseID,
			UserID:   msg.UserID,
			Filters:  models.NodeFilters{Day: msg.Day},
		})
		if err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, "Failed to process question")
		}
	}
}

func (h *WebSocketHandler) streamResponse(c *websocket.Conn, req pipeline.Request) error {
	h.sendChunk(c, "status", "Looking through the course material...")

	response := h.pipeline.ProcessQuery(context.Background(), req)

	words := strings.Fields(response.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 {
			chunk += " "
		}

		err := h.sendChunk(c, "chunk", chunk)
		if err != nil {
			return err
		}
	}

	return h.sendComplete(c, response)
}

func (h *WebSocketHandler) sendChunk(c *websocket.Conn, msgType, content string) error {
	msg := map[string]interface{}{
		"type":    msgType,
		"content": content,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, response *pipeline.Response) error {
	msg := map[string]interface{}{
		"type":           "complete",
		"query_id":       response.QueryID,
		"references":     response.References,
		"confidence":     response.Confidence,
		"source":         response.Source,
		"has_references": response.HasReferences,
		"latency_ms":     response.LatencyMS,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
