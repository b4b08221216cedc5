// Package ratelimit maps a sender's daily message count and account state to
// an allow or deny decision. It holds no state and performs no I/O.
package ratelimit

import (
	"fmt"

	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/models"
)

// Policy holds the tier table
type Policy struct {
	verified         int
	newAccount       int
	youngAccount     int
	established      int
	youngAccountDays int
	establishedDays  int
}

// DefaultPolicy returns the standard tier table:
// verified 100, unverified under 1 day 5, 1 to 6 days 20, 7 days and older 50.
func DefaultPolicy() *Policy {
	return &Policy{
		verified:         100,
		newAccount:       5,
		youngAccount:     20,
		established:      50,
		youngAccountDays: 1,
		establishedDays:  7,
	}
}

// NewPolicy builds a policy from configuration
func NewPolicy(cfg *config.RateLimitConfig) *Policy {
	return &Policy{
		verified:         cfg.Verified,
		newAccount:       cfg.NewAccount,
		youngAccount:     cfg.YoungAccount,
		established:      cfg.Established,
		youngAccountDays: cfg.YoungAccountDays,
		establishedDays:  cfg.EstablishedDays,
	}
}

// Tier returns the bracket and daily limit that apply to an account
func (p *Policy) Tier(accountAgeDays int, isVerified bool) (models.Tier, int) {
	switch {
	case isVerified:
		return models.TierVerified, p.verified
	case accountAgeDays < p.youngAccountDays:
		return models.TierNewAccount, p.newAccount
	case accountAgeDays < p.establishedDays:
		return models.TierYoungAccount, p.youngAccount
	default:
		return models.TierEstablished, p.established
	}
}

// Evaluate decides whether a sender whose count today is messageCountToday is over
// the limit. The limit is the last count still allowed. The count must be read
// from the counter store right before the call.
func (p *Policy) Evaluate(messageCountToday, accountAgeDays int, isVerified bool) models.RateLimitDecision {
	tier, limit := p.Tier(accountAgeDays, isVerified)
	decision := models.RateLimitDecision{
		Limited: messageCountToday > limit,
		Tier:    tier,
		Limit:   limit,
	}
	if decision.Limited {
		decision.Reason = p.reason(tier, limit)
	}
	return decision
}

// TemplateData returns the values used to render a tier's reason text
func (p *Policy) TemplateData(decision models.RateLimitDecision) map[string]interface{} {
	return map[string]interface{}{
		"Limit":         decision.Limit,
		"Days":          p.establishedDays,
		"VerifiedLimit": p.verified,
	}
}

// ReasonMessageID returns the i18n message ID of a tier's reason text
func ReasonMessageID(tier models.Tier) string {
	return "rate_limit_" + string(tier)
}

func (p *Policy) reason(tier models.Tier, limit int) string {
	switch tier {
	case models.TierVerified:
		return fmt.Sprintf("You've reached the limit of %d messages per day. Please try again tomorrow.", limit)
	case models.TierNewAccount:
		return fmt.Sprintf("New accounts can send up to %d messages per day. Verify your profile or wait until tomorrow to send more.", limit)
	case models.TierYoungAccount:
		return fmt.Sprintf("Accounts younger than %d days can send up to %d messages per day. Verify your profile or wait until tomorrow to send more.", p.establishedDays, limit)
	default:
		return fmt.Sprintf("Unverified accounts can send up to %d messages per day. Verify your profile to raise your limit to %d.", limit, p.verified)
	}
}
