// Package safety composes the rate limit, pre-filter and moderation checks
// that gate every outgoing chat message.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/i18n"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/internal/services/moderation"
	"github.com/sparkmatch/msgsafety/internal/services/ratelimit"
	"github.com/sparkmatch/msgsafety/internal/services/storage"
	"github.com/sparkmatch/msgsafety/pkg/logger"
)

const lockStripes = 256

// ErrInvalidRequest marks calls the integrating code got wrong
var ErrInvalidRequest = errors.New("invalid request")

// ContentFilter gives a fast verdict on text, or nil when inconclusive
type ContentFilter interface {
	Classify(text string) *models.ModerationVerdict
}

// Moderator checks text against the external moderation model
type Moderator interface {
	Moderate(ctx context.Context, text string) *models.ModerationVerdict
	ModerateAsync(ctx context.Context, messageID, text string, onFlagged moderation.FlaggedFunc) error
}

// Components are the collaborators of a Pipeline
type Components struct {
	Store     storage.Store
	PreFilter ContentFilter
	// Moderator may be nil when model moderation is disabled
	Moderator Moderator
	// Localizer may be nil, reasons are then English
	Localizer *i18n.Localizer
	Metrics   *middleware.Metrics
	Logger    *logrus.Logger
}

// Pipeline decides whether a message may be sent
type Pipeline struct {
	store          storage.Store
	policy         *ratelimit.Policy
	prefilter      ContentFilter
	moderator      Moderator
	syncModeration bool
	flood          middleware.FloodGuard
	input          *middleware.InputGuard
	localizer      *i18n.Localizer
	validate       *validator.Validate
	locks          [lockStripes]sync.Mutex
	metrics        *middleware.Metrics
	logger         *logrus.Logger
}

// NewPipeline creates a pipeline from configuration and its collaborators
func NewPipeline(cfg *config.Config, c Components) *Pipeline {
	if c.Metrics == nil {
		c.Metrics = middleware.NewMetrics()
	}

	return &Pipeline{
		store:          c.Store,
		policy:         ratelimit.NewPolicy(&cfg.RateLimit),
		prefilter:      c.PreFilter,
		moderator:      c.Moderator,
		syncModeration: c.Moderator != nil && cfg.Moderation.Enabled && cfg.Moderation.Mode == config.ModeSync,
		flood:          middleware.NewFloodGuard(&cfg.RateLimit.Flood, c.Logger),
		input:          middleware.NewInputGuard(cfg.RateLimit.MaxMessageLength),
		localizer:      c.Localizer,
		validate:       validator.New(),
		metrics:        c.Metrics,
		logger:         c.Logger,
	}
}

// EvaluateSend runs the checks for one outgoing message in order: input,
// daily rate limit, pre-filter, the moderation model in sync mode, and the
// flood guard. The sender's counter is incremented only when the message is
// allowed. Rejections are results; only malformed requests return an error.
//
// The per-user lock is held only around counter access. Content checks run
// unlocked, so the daily limit is checked again right before the increment.
func (p *Pipeline) EvaluateSend(ctx context.Context, req models.SendRequest) (*models.SendResult, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	log := logger.WithMessage(p.logger, req.UserID, "")

	if err := p.input.ValidateInput(req.Text); err != nil {
		log.WithError(err).Info("Message rejected by input guard")
		return p.reject(models.StageInput, p.inputReason(req.Language, err), nil, 0), nil
	}

	count, rejected := p.checkDailyLimit(ctx, req, log)
	if rejected != nil {
		return rejected, nil
	}

	if verdict := p.prefilter.Classify(req.Text); verdict != nil && verdict.Flagged {
		log.WithField("category", verdict.CategoryName()).Info("Message rejected by pre-filter")
		verdict = p.localizeVerdict(req.Language, verdict)
		return p.reject(models.StagePreFilter, verdict.Message, verdict, count), nil
	}

	if p.syncModeration {
		if verdict := p.moderator.Moderate(ctx, req.Text); verdict.Flagged {
			log.WithFields(logrus.Fields{
				"category": verdict.CategoryName(),
				"score":    verdict.Score,
			}).Info("Message rejected by moderation model")
			verdict = p.localizeVerdict(req.Language, verdict)
			return p.reject(models.StageModeration, verdict.Message, verdict, count), nil
		}
	}

	return p.commit(ctx, req, log), nil
}

// checkDailyLimit rejects the message early when the sender is already over
// the limit, so content checks never run for it
func (p *Pipeline) checkDailyLimit(ctx context.Context, req models.SendRequest, log *logrus.Entry) (int, *models.SendResult) {
	mu := p.lockFor(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	count := p.readCount(ctx, req.UserID, log)
	return count, p.rateLimited(req, count, log)
}

// commit re-checks the daily limit and the flood guard and counts the message.
// A concurrent send may have taken the last slot while content checks ran.
func (p *Pipeline) commit(ctx context.Context, req models.SendRequest, log *logrus.Entry) *models.SendResult {
	mu := p.lockFor(req.UserID)
	mu.Lock()
	defer mu.Unlock()

	count := p.readCount(ctx, req.UserID, log)
	if result := p.rateLimited(req, count, log); result != nil {
		return result
	}

	if !p.flood.Allow(req.UserID) {
		reason := p.localize(req.Language, i18n.MsgFloodLimited, nil, "You're sending messages too quickly. Please slow down.")
		return p.reject(models.StageFlood, reason, nil, count)
	}

	newCount, err := p.store.Increment(ctx, req.UserID)
	p.metrics.RecordCounterOperation("increment", err)
	if err != nil {
		log.WithError(err).Error("Failed to increment message counter, failing open")
		newCount = count + 1
	}

	p.metrics.RecordEvaluation(true)
	log.WithField("count", newCount).Debug("Message allowed")
	return &models.SendResult{Allowed: true, Count: newCount}
}

func (p *Pipeline) readCount(ctx context.Context, userID string, log *logrus.Entry) int {
	count, err := p.store.GetCount(ctx, userID)
	p.metrics.RecordCounterOperation("get", err)
	if err != nil {
		log.WithError(err).Error("Failed to read message counter, failing open")
		return 0
	}
	return count
}

func (p *Pipeline) rateLimited(req models.SendRequest, count int, log *logrus.Entry) *models.SendResult {
	decision := p.policy.Evaluate(count+1, req.AccountAgeDays, req.IsVerified)
	if !decision.Limited {
		return nil
	}

	log.WithFields(logrus.Fields{
		"tier":  decision.Tier,
		"limit": decision.Limit,
		"count": count,
	}).Info("Message rejected by daily rate limit")
	reason := p.localize(req.Language, ratelimit.ReasonMessageID(decision.Tier), p.policy.TemplateData(decision), decision.Reason)
	return p.reject(models.StageRateLimit, reason, nil, count)
}

// ModerateAsync moderates a message that was already sent. onFlagged is called
// at most once, after this method has returned, if the message is flagged.
func (p *Pipeline) ModerateAsync(ctx context.Context, messageID, text string, onFlagged moderation.FlaggedFunc) error {
	if messageID == "" || text == "" || onFlagged == nil {
		return fmt.Errorf("%w: message id, text and callback are required", ErrInvalidRequest)
	}
	if p.moderator == nil {
		logger.WithMessage(p.logger, "", messageID).Debug("Moderation disabled, skipping background check")
		return nil
	}

	if err := p.moderator.ModerateAsync(ctx, messageID, text, onFlagged); err != nil {
		if errors.Is(err, moderation.ErrInvalidAsyncCall) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return err
	}
	return nil
}

// Policy returns the rate limit policy in use
func (p *Pipeline) Policy() *ratelimit.Policy {
	return p.policy
}

func (p *Pipeline) reject(stage models.Stage, reason string, verdict *models.ModerationVerdict, count int) *models.SendResult {
	p.metrics.RecordEvaluation(false)
	p.metrics.RecordRejection(string(stage), verdict.CategoryName())
	return &models.SendResult{
		Allowed: false,
		Reason:  reason,
		Stage:   stage,
		Verdict: verdict,
		Count:   count,
	}
}

func (p *Pipeline) lockFor(userID string) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(userID)%lockStripes]
}

func (p *Pipeline) inputReason(lang string, err error) string {
	if errors.Is(err, middleware.ErrMessageTooLong) {
		limit := p.input.MaxLength()
		return p.localize(lang, i18n.MsgInputTooLong, map[string]interface{}{"MaxLength": limit},
			fmt.Sprintf("Messages can be at most %d characters long.", limit))
	}
	return p.localize(lang, i18n.MsgInputInvalid, nil, "This message could not be read. Please try again.")
}

// localizeVerdict returns a copy of verdict with its message in lang.
// Verdicts from the moderation cache are shared and never modified in place.
func (p *Pipeline) localizeVerdict(lang string, verdict *models.ModerationVerdict) *models.ModerationVerdict {
	if verdict.Category == nil {
		return verdict
	}
	localized := *verdict
	localized.Message = p.localize(lang, verdict.Category.MessageID(), nil, verdict.Message)
	return &localized
}

func (p *Pipeline) localize(lang, messageID string, data map[string]interface{}, fallback string) string {
	if p.localizer == nil {
		return fallback
	}
	return p.localizer.GetOr(lang, messageID, data, fallback)
}
