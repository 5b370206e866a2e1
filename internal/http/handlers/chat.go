// Package handlers holds the HTTP handlers for the assistant API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/annahealth/assistant-platform/internal/session"
	"github.com/annahealth/assistant-platform/pkg/logging"
)

// ChatService is the conversation entry point the handler delegates to.
type ChatService interface {
	HandleMessage(ctx context.Context, userID, text string) ([]string, error)
}

// ChatHandler serves the chat endpoint.
type ChatHandler struct {
	service ChatService
	logger  *logging.Logger
}

// NewChatHandler creates the chat handler.
func NewChatHandler(service ChatService, logger *logging.Logger) *ChatHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &ChatHandler{service: service, logger: logger}
}

type chatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	Messages []string `json:"messages"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handle processes POST /chat.
func (h *ChatHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	messages, err := h.service.HandleMessage(r.Context(), req.UserID, req.Message)
	if err != nil {
		if errors.Is(err, session.ErrEmptyID) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
			return
		}
		h.logger.Error("chat turn failed", "user_id", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{Messages: messages})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
