package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parlorhq/parlor/internal/access"
	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/generator"
	"github.com/parlorhq/parlor/internal/identity"
	"github.com/parlorhq/parlor/internal/message"
	"github.com/parlorhq/parlor/internal/stream"
)

type ChatHandler struct {
	resolver     *identity.Resolver
	gate         *access.Gate
	orchestrator *stream.Orchestrator
	registry     *stream.Registry
	convs        *conversation.Store
	logger       *slog.Logger
}

func NewChatHandler(log *slog.Logger, resolver *identity.Resolver, gate *access.Gate, orchestrator *stream.Orchestrator, registry *stream.Registry, convs *conversation.Store) *ChatHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatHandler{
		resolver:     resolver,
		gate:         gate,
		orchestrator: orchestrator,
		registry:     registry,
		convs:        convs,
		logger:       log.With(slog.String("handler", "chat")),
	}
}

func (h *ChatHandler) Register(e *echo.Echo) {
	group := e.Group("/chat")
	group.POST("/stream", h.StreamChat)
	group.POST("/stop", h.Stop)
}

// StreamChat godoc
// @Summary Stream a chat turn
// @Description Run one generation turn: the user message is saved before the first token, the response streams as SSE, and the assistant message is saved once the stream completes.
// @Tags chat
// @Accept json
// @Produce text/event-stream
// @Param request body ChatStreamRequest true "Chat request"
// @Success 200 {object} generator.Event
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /chat/stream [post]
func (h *ChatHandler) StreamChat(c echo.Context) error {
	var req ChatStreamRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != message.RoleUser {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "last message must be from the user"})
	}

	id, err := h.resolver.Resolve(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication or session token required"})
	}

	decision := h.gate.Check(c.Request().Context(), id, req.Model)
	setRateHeaders(c, decision)
	if !decision.Allowed {
		return denyResponse(c, decision)
	}

	turn := &stream.Turn{
		Identity:       id,
		ConversationID: req.ConversationID,
		Title:          req.Title,
		UserParts:      []message.ContentPart{{Kind: message.PartText, Text: last.Content}},
		Messages:       outbound(req.Messages),
		Config:         generator.Config{Model: req.Model, ChatMode: req.ChatMode},
	}

	sink := newSSESink(c)
	res, err := h.orchestrator.Run(c.Request().Context(), turn, sink)
	if err != nil {
		if sink.started {
			// Headers are gone; the error has to travel in-band.
			h.logger.Error("chat turn failed mid-stream", slog.Any("error", err))
			sink.sendError(clientErrorMessage(err))
			sink.done()
			return nil
		}
		switch {
		case errors.Is(err, conversation.ErrAccessDenied):
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: "conversation belongs to another identity"})
		case errors.Is(err, generator.ErrProvider):
			h.logger.Error("chat turn failed", slog.Any("error", err))
			return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "generation provider unavailable"})
		default:
			h.logger.Error("chat turn failed", slog.Any("error", err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
	}

	h.logger.Info("chat turn finished",
		slog.String("conversation_id", res.ConversationID),
		slog.String("state", string(res.State)),
		slog.Bool("assistant_saved", res.Saved),
	)
	sink.done()
	return nil
}

// Stop godoc
// @Summary Stop an in-flight turn
// @Tags chat
// @Accept json
// @Produce json
// @Param request body StopRequest true "Stop request"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /chat/stop [post]
func (h *ChatHandler) Stop(c echo.Context) error {
	var req StopRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	id, err := h.resolver.Resolve(c)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication or session token required"})
	}

	owner := conversation.Owner{UserID: id.UserID, AnonHash: id.AnonHash}
	if _, err := h.convs.Get(c.Request().Context(), owner, req.ConversationID); err != nil {
		switch {
		case errors.Is(err, conversation.ErrAccessDenied):
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: "conversation belongs to another identity"})
		case errors.Is(err, conversation.ErrNotFound):
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		default:
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
	}

	stopped := h.registry.Stop(req.ConversationID)
	return c.JSON(http.StatusOK, map[string]bool{"stopped": stopped})
}

func outbound(msgs []ChatMessage) []generator.Message {
	out := make([]generator.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, generator.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func setRateHeaders(c echo.Context, d access.Decision) {
	if d.ResetAt.IsZero() {
		return
	}
	c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Response().Header().Set("X-RateLimit-Reset", d.ResetAt.UTC().Format(http.TimeFormat))
}

func denyResponse(c echo.Context, d access.Decision) error {
	switch d.Reason {
	case access.ReasonAuthRequired:
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: d.Detail})
	case access.ReasonSubscriptionRequired:
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: d.Detail})
	case access.ReasonRateLimited:
		return c.JSON(http.StatusTooManyRequests, struct {
			ErrorResponse
			RateLimit RateLimitInfo `json:"rateLimitInfo"`
		}{
			ErrorResponse: ErrorResponse{Error: "daily message limit reached"},
			RateLimit:     RateLimitInfo{Remaining: d.Remaining, ResetAt: d.ResetAt},
		})
	default:
		return c.JSON(http.StatusForbidden, ErrorResponse{Error: d.Detail})
	}
}

// sseSink bridges the orchestrator's event stream onto the response as SSE.
// Ready commits the headers, carrying the durable conversation id, before
// the first byte of body.
type sseSink struct {
	c       echo.Context
	writer  *bufio.Writer
	flusher http.Flusher
	started bool
}

func newSSESink(c echo.Context) *sseSink {
	return &sseSink{c: c}
}

func (s *sseSink) Ready(conversationID string) error {
	flusher, ok := s.c.Response().Writer.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by this connection")
	}
	header := s.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set(echo.HeaderCacheControl, "no-cache")
	header.Set(echo.HeaderConnection, "keep-alive")
	if conversationID != "" {
		header.Set("X-Conversation-Id", conversationID)
	}
	s.c.Response().WriteHeader(http.StatusOK)
	s.writer = bufio.NewWriter(s.c.Response().Writer)
	s.flusher = flusher
	s.started = true
	return nil
}

func (s *sseSink) Send(ev generator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	if _, err := s.writer.WriteString(fmt.Sprintf("data: %s\n\n", data)); err != nil {
		return err
	}
	if err := s.writer.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// clientErrorMessage maps an internal error to the message a client may
// see. Provider details stay in the logs.
func clientErrorMessage(err error) string {
	if errors.Is(err, generator.ErrProvider) {
		return "generation provider unavailable"
	}
	return "internal error"
}

func (s *sseSink) sendError(msg string) {
	data, _ := json.Marshal(map[string]string{"error": msg})
	s.writer.WriteString(fmt.Sprintf("data: %s\n\n", data))
	s.writer.Flush()
	s.flusher.Flush()
}

func (s *sseSink) done() {
	if !s.started {
		return
	}
	s.writer.WriteString("data: [DONE]\n\n")
	s.writer.Flush()
	s.flusher.Flush()
}
