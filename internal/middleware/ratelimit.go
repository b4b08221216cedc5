package middleware

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
	"golang.org/x/time/rate"
)

// FloodGuard limits short bursts of messages per user, independent of the daily quota
type FloodGuard interface {
	Allow(userID string) bool
	Reset(userID string)
}

// UserFloodGuard keeps one token bucket per recently active user
type UserFloodGuard struct {
	enabled  bool
	limiters *lru.LRU[string, *rate.Limiter]
	mu       sync.Mutex
	perSec   float64
	burst    int
	logger   *logrus.Logger
}

// NewFloodGuard creates a flood guard from the rate limit config
func NewFloodGuard(cfg *config.FloodConfig, logger *logrus.Logger) FloodGuard {
	if !cfg.Enabled {
		return &UserFloodGuard{enabled: false}
	}

	// Idle buckets refill completely within this window, so dropping them is lossless
	idle := time.Duration(float64(cfg.Burst)/cfg.PerSecond*float64(time.Second)) + time.Minute

	return &UserFloodGuard{
		enabled:  true,
		limiters: lru.NewLRU[string, *rate.Limiter](cfg.MaxUsers, nil, idle),
		perSec:   cfg.PerSecond,
		burst:    cfg.Burst,
		logger:   logger,
	}
}

// Allow checks if a user may send another message right now
func (f *UserFloodGuard) Allow(userID string) bool {
	if !f.enabled {
		return true
	}

	allowed := f.getLimiter(userID).Allow()
	if !allowed {
		f.logger.WithField("user_id", userID).Warn("Flood limit exceeded")
	}
	return allowed
}

// Reset forgets the user's bucket
func (f *UserFloodGuard) Reset(userID string) {
	if !f.enabled {
		return
	}
	f.limiters.Remove(userID)
}

func (f *UserFloodGuard) getLimiter(userID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if limiter, ok := f.limiters.Get(userID); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(f.perSec), f.burst)
	f.limiters.Add(userID, limiter)
	return limiter
}

// Input rejection causes
var (
	ErrInvalidEncoding = errors.New("message is not valid UTF-8")
	ErrMessageTooLong  = errors.New("message too long")
)

// InputGuard rejects message bodies the pipeline should never process
type InputGuard struct {
	maxLength int
}

// NewInputGuard creates an input guard
func NewInputGuard(maxLength int) *InputGuard {
	return &InputGuard{maxLength: maxLength}
}

// MaxLength returns the longest accepted message in characters
func (g *InputGuard) MaxLength() int {
	return g.maxLength
}

// ValidateInput checks length and encoding
func (g *InputGuard) ValidateInput(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	if n := utf8.RuneCountInString(text); n > g.maxLength {
		return fmt.Errorf("%w: %d characters", ErrMessageTooLong, n)
	}
	return nil
}
