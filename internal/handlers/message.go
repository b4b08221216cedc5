package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/internal/services/moderation"
	"github.com/sparkmatch/msgsafety/internal/services/safety"
)

const maxBodyBytes = 64 << 10

// SafetyService is the part of the safety pipeline the HTTP surface needs
type SafetyService interface {
	EvaluateSend(ctx context.Context, req models.SendRequest) (*models.SendResult, error)
	ModerateAsync(ctx context.Context, messageID, text string, onFlagged moderation.FlaggedFunc) error
}

// MessageHandler serves the message evaluation endpoints
type MessageHandler struct {
	safety    SafetyService
	onFlagged moderation.FlaggedFunc
	backend   string
	logger    *logrus.Logger
}

// NewMessageHandler creates a new message handler.
// onFlagged is called for every message that background moderation flags.
func NewMessageHandler(
	safety SafetyService,
	onFlagged moderation.FlaggedFunc,
	backend string,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		safety:    safety,
		onFlagged: onFlagged,
		backend:   backend,
		logger:    logger,
	}
}

// NewRouter registers the handler's routes
func NewRouter(h *MessageHandler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/v1/messages/evaluate", h.HandleEvaluate).Methods(http.MethodPost)
	router.HandleFunc("/v1/messages/{id}/moderate", h.HandleModerate).Methods(http.MethodPost)
	router.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	return router
}

type moderateRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleEvaluate decides whether a message may be sent
func (h *MessageHandler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.safety.EvaluateSend(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleModerate queues background moderation of a sent message
func (h *MessageHandler) HandleModerate(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["id"]

	var req moderateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := h.safety.ModerateAsync(r.Context(), messageID, req.Text, h.onFlagged); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleHealth reports liveness
func (h *MessageHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":          "ok",
		"counter_backend": h.backend,
	})
}

func (h *MessageHandler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, safety.ErrInvalidRequest) {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h.logger.WithError(err).Error("Failed to handle request")
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (h *MessageHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
