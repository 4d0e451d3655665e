// Package handlers holds the HTTP surface.
package handlers

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"validationErrors,omitempty"`
}

// RateLimitInfo accompanies 429 responses and the rate headers.
type RateLimitInfo struct {
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// ChatMessage is one history entry supplied by the client.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatStreamRequest starts one generation turn.
type ChatStreamRequest struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title"`
	Model          string        `json:"model" validate:"required"`
	ChatMode       string        `json:"chat_mode" validate:"omitempty,oneof=chat reasoning"`
	Messages       []ChatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
}

// StopRequest cancels an in-flight turn.
type StopRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// bindAndValidate decodes the body and runs struct validation. A false
// return means the field-keyed 400 has already been written.
func bindAndValidate(c echo.Context, req any) (bool, error) {
	if err := c.Bind(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if err := validate.Struct(req); err != nil {
		fields := map[string]string{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
		}
		return false, c.JSON(http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: fields})
	}
	return true, nil
}
