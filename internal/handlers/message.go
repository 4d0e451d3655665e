package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/parlorhq/parlor/internal/conversation"
	"github.com/parlorhq/parlor/internal/identity"
	"github.com/parlorhq/parlor/internal/message"
)

type MessageHandler struct {
	resolver *identity.Resolver
	convs    *conversation.Store
	writer   *message.Writer
	logger   *slog.Logger
}

func NewMessageHandler(log *slog.Logger, resolver *identity.Resolver, convs *conversation.Store, writer *message.Writer) *MessageHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessageHandler{
		resolver: resolver,
		convs:    convs,
		writer:   writer,
		logger:   log.With(slog.String("handler", "message")),
	}
}

func (h *MessageHandler) Register(e *echo.Echo) {
	e.GET("/conversations/:id", h.GetConversation)
	e.GET("/conversations/:id/messages", h.ListMessages)
}

// GetConversation godoc
// @Summary Get a conversation
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} conversation.Conversation
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{id} [get]
func (h *MessageHandler) GetConversation(c echo.Context) error {
	conv, ok, err := h.authorize(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMessages godoc
// @Summary List a conversation's messages, oldest first
// @Tags conversations
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {array} message.Message
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /conversations/{id}/messages [get]
func (h *MessageHandler) ListMessages(c echo.Context) error {
	conv, ok, err := h.authorize(c)
	if !ok {
		return err
	}
	msgs, err := h.writer.History(c.Request().Context(), conv.ID)
	if err != nil {
		h.logger.Error("history lookup failed",
			slog.String("conversation_id", conv.ID),
			slog.Any("error", err),
		)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// authorize resolves the caller and checks conversation ownership. A false
// return means the error response has already been written.
func (h *MessageHandler) authorize(c echo.Context) (conversation.Conversation, bool, error) {
	id, err := h.resolver.Resolve(c)
	if err != nil {
		return conversation.Conversation{}, false, c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication or session token required"})
	}
	owner := conversation.Owner{UserID: id.UserID, AnonHash: id.AnonHash}
	conv, err := h.convs.Get(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, conversation.ErrAccessDenied):
			return conversation.Conversation{}, false, c.JSON(http.StatusForbidden, ErrorResponse{Error: "conversation belongs to another identity"})
		case errors.Is(err, conversation.ErrNotFound):
			return conversation.Conversation{}, false, c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		default:
			return conversation.Conversation{}, false, c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
	}
	return conv, true, nil
}
