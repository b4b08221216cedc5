package moderation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/internal/services/cache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// FlaggedFunc retracts a message that background moderation flagged.
// It may race with the message already being read, so it must tolerate that.
type FlaggedFunc func(messageID string, verdict *models.ModerationVerdict)

// ErrInvalidAsyncCall is returned when ModerateAsync is called without a message ID or callback
var ErrInvalidAsyncCall = errors.New("moderateAsync requires a message id and a callback")

// model categories in mapping priority order
var categoryPriority = []struct {
	model    []string
	category models.Category
}{
	{[]string{"sexual", "sexual/minors"}, models.CategorySexual},
	{[]string{"harassment", "harassment/threatening"}, models.CategoryHarassment},
	{[]string{"violence", "violence/graphic"}, models.CategoryViolence},
	{[]string{"hate", "hate/threatening"}, models.CategoryHate},
}

// Gateway memoizes external moderation verdicts by message content
type Gateway struct {
	classifier Classifier
	cache      *cache.TTLCache[*models.ModerationVerdict]
	ttl        time.Duration
	timeout    time.Duration
	group      singleflight.Group
	sem        *semaphore.Weighted
	notified   *lru.LRU[string, struct{}]
	notifiedMu sync.Mutex
	wg         sync.WaitGroup
	metrics    *middleware.Metrics
	logger     *logrus.Logger
}

// NewGateway creates a gateway around classifier
func NewGateway(classifier Classifier, cfg *config.ModerationConfig, metrics *middleware.Metrics, logger *logrus.Logger) *Gateway {
	return &Gateway{
		classifier: classifier,
		cache:      cache.New[*models.ModerationVerdict](cfg.CleanupInterval, cfg.CacheMaxSize, logger),
		ttl:        cfg.CacheTTL,
		timeout:    cfg.Timeout,
		sem:        semaphore.NewWeighted(int64(cfg.AsyncConcurrency)),
		notified:   lru.NewLRU[string, struct{}](cfg.NotifiedCacheSize, nil, cfg.NotifiedTTL),
		metrics:    metrics,
		logger:     logger,
	}
}

// CacheKey derives the cache key of a message from a 64-bit xxhash of its text.
// Distinct texts may collide; the cache is a performance aid, not a security boundary.
func CacheKey(text string) string {
	return "mod:" + strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// Moderate returns a verdict for text. It never fails: when the model cannot
// be reached the verdict is clean and the failure is kept in Details.
// Returned verdicts are shared and must not be modified.
func (g *Gateway) Moderate(ctx context.Context, text string) *models.ModerationVerdict {
	key := CacheKey(text)

	if verdict, ok := g.cache.Get(key); ok {
		g.metrics.RecordCacheHit()
		g.logger.WithField("key", key).Debug("Moderation cache hit")
		return verdict
	}
	g.metrics.RecordCacheMiss()

	// Identical texts in flight share one model call. It must outlive any one
	// caller's context; classify bounds it with the moderation timeout.
	shared := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		if verdict, ok := g.cache.Get(key); ok {
			return verdict, nil
		}
		return g.classify(shared, key, text), nil
	})

	select {
	case res := <-ch:
		return res.Val.(*models.ModerationVerdict)
	case <-ctx.Done():
		g.logger.WithError(ctx.Err()).WithField("key", key).Warn("Moderation wait cancelled, failing open")
		return models.NewCleanVerdict(fmt.Sprintf("moderation unavailable: %v", ctx.Err()))
	}
}

func (g *Gateway) classify(ctx context.Context, key, text string) *models.ModerationVerdict {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	result, err := g.classifier.Classify(ctx, text)
	if err == nil && result == nil {
		err = errors.New("classifier returned no result")
	}
	if err != nil {
		g.metrics.RecordModerationRequest("error", time.Since(start))
		g.logger.WithError(err).WithField("key", key).Warn("Moderation unavailable, failing open")
		return models.NewCleanVerdict(fmt.Sprintf("moderation unavailable: %v", err))
	}
	g.metrics.RecordModerationRequest("success", time.Since(start))

	verdict := toVerdict(result)
	g.cache.Set(key, verdict, g.ttl)

	if verdict.Flagged {
		g.logger.WithFields(logrus.Fields{
			"key":      key,
			"category": verdict.CategoryName(),
			"score":    verdict.Score,
		}).Info("Message flagged by moderation model")
	}
	return verdict
}

func toVerdict(result *Result) *models.ModerationVerdict {
	flagged := result.Flagged
	for _, v := range result.Categories {
		flagged = flagged || v
	}
	if !flagged {
		return models.NewCleanVerdict("")
	}

	category := models.CategoryInappropriate
	var matched []string
priority:
	for _, p := range categoryPriority {
		for _, name := range p.model {
			if result.Categories[name] {
				category = p.category
				matched = append(matched, name)
				break priority
			}
		}
	}

	maxScore := 0.0
	for _, s := range result.Scores {
		maxScore = math.Max(maxScore, s)
	}
	score := int(math.Round(math.Min(maxScore, 1) * 100))

	details := fmt.Sprintf("model flagged categories: %v", flaggedNames(result))
	if len(matched) == 0 {
		details += " (no mapped category)"
	}
	return models.NewFlaggedVerdict(category, score, details)
}

func flaggedNames(result *Result) []string {
	var names []string
	for _, p := range categoryPriority {
		for _, name := range p.model {
			if result.Categories[name] {
				names = append(names, name)
			}
		}
	}
	var others []string
	for name, v := range result.Categories {
		if v && !isPriorityCategory(name) {
			others = append(others, name)
		}
	}
	slices.Sort(others)
	return append(names, others...)
}

func isPriorityCategory(name string) bool {
	for _, p := range categoryPriority {
		for _, m := range p.model {
			if m == name {
				return true
			}
		}
	}
	return false
}

// ModerateAsync moderates an already-sent message in the background and calls
// onFlagged at most once per message ID if it is flagged. The request context
// only contributes values; cancelling it does not stop the job.
func (g *Gateway) ModerateAsync(ctx context.Context, messageID, text string, onFlagged FlaggedFunc) error {
	if messageID == "" || onFlagged == nil {
		return ErrInvalidAsyncCall
	}

	bg := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		if err := g.sem.Acquire(bg, 1); err != nil {
			return
		}
		defer g.sem.Release(1)

		verdict := g.Moderate(bg, text)
		if !verdict.Flagged {
			return
		}
		if !g.markNotified(messageID) {
			g.logger.WithField("message_id", messageID).Debug("Message already retracted")
			return
		}

		g.metrics.RecordLateFlag()
		g.logger.WithFields(logrus.Fields{
			"message_id": messageID,
			"category":   verdict.CategoryName(),
		}).Info("Sent message flagged, retracting")

		defer func() {
			if r := recover(); r != nil {
				g.logger.WithFields(logrus.Fields{
					"message_id": messageID,
					"panic":      r,
				}).Error("Retraction callback panicked")
			}
		}()
		onFlagged(messageID, verdict)
	}()
	return nil
}

func (g *Gateway) markNotified(messageID string) bool {
	g.notifiedMu.Lock()
	defer g.notifiedMu.Unlock()

	if g.notified.Contains(messageID) {
		return false
	}
	g.notified.Add(messageID, struct{}{})
	return true
}

// Wait blocks until all background moderation jobs have finished
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// CachedVerdicts returns the number of cached verdicts
func (g *Gateway) CachedVerdicts() int {
	return g.cache.Len()
}
