package models

// Category identifies why a message was flagged
type Category string

const (
	CategoryScam          Category = "scam_attempt"
	CategorySexual        Category = "sexual_content"
	CategorySpam          Category = "spam"
	CategoryHarassment    Category = "harassment"
	CategoryViolence      Category = "violence"
	CategoryHate          Category = "hate_speech"
	CategoryInappropriate Category = "inappropriate_content"
)

// MessageID returns the i18n message ID of the user-facing text for the category
func (c Category) MessageID() string {
	return "verdict_" + string(c)
}

// ModerationVerdict is the outcome of a content check. A nil Category means clean.
type ModerationVerdict struct {
	Flagged  bool      `json:"flagged"`
	Category *Category `json:"category"`
	Score    int       `json:"score"`
	Message  string    `json:"message"`
	Details  *string   `json:"details,omitempty"`
}

// CategoryName returns the category as a string, or "" for clean verdicts
func (v *ModerationVerdict) CategoryName() string {
	if v == nil || v.Category == nil {
		return ""
	}
	return string(*v.Category)
}

// Tier is a rate limit bracket keyed on verification and account age
type Tier string

const (
	TierVerified     Tier = "verified"
	TierNewAccount   Tier = "new_account"
	TierYoungAccount Tier = "young_account"
	TierEstablished  Tier = "established"
)

// RateLimitDecision is derived from the current count and never stored
type RateLimitDecision struct {
	Limited bool   `json:"limited"`
	Reason  string `json:"reason,omitempty"`
	Tier    Tier   `json:"tier"`
	Limit   int    `json:"limit"`
}

// Stage names the pipeline step that produced a rejection
type Stage string

const (
	StageInput      Stage = "input"
	StageRateLimit  Stage = "rate_limit"
	StageFlood      Stage = "flood"
	StagePreFilter  Stage = "prefilter"
	StageModeration Stage = "moderation"
)

// SendRequest describes one outgoing chat message
type SendRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	Text           string `json:"text" validate:"required"`
	AccountAgeDays int    `json:"account_age_days" validate:"gte=0"`
	IsVerified     bool   `json:"is_verified"`
	Language       string `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`
}

// SendResult is what the message-send route acts on
type SendResult struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Stage   Stage              `json:"stage,omitempty"`
	Verdict *ModerationVerdict `json:"verdict,omitempty"`
	Count   int                `json:"count"`
}

var defaultMessages = map[Category]string{
	CategoryScam:          "This message looks like it asks for money or moves the chat off the app. For your safety it was not sent.",
	CategorySexual:        "This message contains explicit content that isn't allowed here. Please keep conversations respectful.",
	CategorySpam:          "This message looks like spam and was not sent.",
	CategoryHarassment:    "This message may be harassing and was not sent. Please be kind.",
	CategoryViolence:      "This message contains violent content and was not sent.",
	CategoryHate:          "This message contains hateful content and was not sent.",
	CategoryInappropriate: "This message contains inappropriate content and was not sent.",
}

// DefaultMessage returns the English user-facing text for the category
func (c Category) DefaultMessage() string {
	if msg, ok := defaultMessages[c]; ok {
		return msg
	}
	return defaultMessages[CategoryInappropriate]
}

// NewFlaggedVerdict builds a flagged verdict with the category's default message
func NewFlaggedVerdict(category Category, score int, details string) *ModerationVerdict {
	v := &ModerationVerdict{
		Flagged:  true,
		Category: &category,
		Score:    score,
		Message:  category.DefaultMessage(),
	}
	if details != "" {
		v.Details = &details
	}
	return v
}

// NewCleanVerdict builds a non-flagged verdict
func NewCleanVerdict(details string) *ModerationVerdict {
	v := &ModerationVerdict{}
	if details != "" {
		v.Details = &details
	}
	return v
}
