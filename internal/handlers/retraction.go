package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/pkg/logger"
)

// Retractor forwards late moderation flags to the message storage service
type Retractor struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

type retraction struct {
	MessageID string                    `json:"message_id"`
	Verdict   *models.ModerationVerdict `json:"verdict"`
}

// NewRetractor creates a retractor. An empty url only logs flagged messages.
func NewRetractor(url string, timeout time.Duration, logger *logrus.Logger) *Retractor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Retractor{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Retract reports a flagged message. It matches moderation.FlaggedFunc.
func (r *Retractor) Retract(messageID string, verdict *models.ModerationVerdict) {
	log := logger.WithMessage(r.logger, "", messageID).WithField("category", verdict.CategoryName())
	if r.url == "" {
		log.Warn("Message flagged after sending, no retraction endpoint configured")
		return
	}

	if err := r.post(messageID, verdict); err != nil {
		log.WithError(err).Error("Failed to deliver retraction")
		return
	}
	log.Info("Retraction delivered")
}

func (r *Retractor) post(messageID string, verdict *models.ModerationVerdict) error {
	body, err := json.Marshal(retraction{MessageID: messageID, Verdict: verdict})
	if err != nil {
		return fmt.Errorf("failed to encode retraction: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send retraction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("retraction endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
