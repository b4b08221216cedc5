package moderation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/sparkmatch/msgsafety/internal/config"
)

// OpenAIClassifier calls the OpenAI moderations endpoint behind a circuit breaker
type OpenAIClassifier struct {
	client  openai.Client
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewOpenAIClassifier creates a classifier. httpClient may be nil.
func NewOpenAIClassifier(cfg *config.ModerationConfig, httpClient *http.Client, logger *logrus.Logger) *OpenAIClassifier {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openai-moderation",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Moderation circuit breaker state changed")
		},
	})

	return &OpenAIClassifier{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		breaker: breaker,
		logger:  logger,
	}
}

// Classify sends text to the moderation model
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (*Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.client.Moderations.New(ctx, openai.ModerationNewParams{
			Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
			Model: openai.ModerationModel(c.model),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("moderation request failed: %w", err)
	}

	resp, ok := out.(*openai.ModerationNewResponse)
	if !ok || resp == nil || len(resp.Results) == 0 {
		return nil, errors.New("no moderation results returned")
	}

	m := resp.Results[0]
	cat := m.Categories
	score := m.CategoryScores

	return &Result{
		Flagged: m.Flagged,
		Categories: map[string]bool{
			"sexual":                 cat.Sexual,
			"sexual/minors":          cat.SexualMinors,
			"harassment":             cat.Harassment,
			"harassment/threatening": cat.HarassmentThreatening,
			"violence":               cat.Violence,
			"violence/graphic":       cat.ViolenceGraphic,
			"hate":                   cat.Hate,
			"hate/threatening":       cat.HateThreatening,
			"self-harm":              cat.SelfHarm,
			"self-harm/intent":       cat.SelfHarmIntent,
			"self-harm/instructions": cat.SelfHarmInstructions,
			"illicit":                cat.Illicit,
			"illicit/violent":        cat.IllicitViolent,
		},
		Scores: map[string]float64{
			"sexual":                 score.Sexual,
			"sexual/minors":          score.SexualMinors,
			"harassment":             score.Harassment,
			"harassment/threatening": score.HarassmentThreatening,
			"violence":               score.Violence,
			"violence/graphic":       score.ViolenceGraphic,
			"hate":                   score.Hate,
			"hate/threatening":       score.HateThreatening,
			"self-harm":              score.SelfHarm,
			"self-harm/intent":       score.SelfHarmIntent,
			"self-harm/instructions": score.SelfHarmInstructions,
			"illicit":                score.Illicit,
			"illicit/violent":        score.IllicitViolent,
		},
	}, nil
}
