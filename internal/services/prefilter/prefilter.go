// Package prefilter rejects obvious scams, explicit solicitation and spam
// with local pattern checks, before any network call is made.
package prefilter

import (
	"fmt"
	"regexp"

	"github.com/sparkmatch/msgsafety/internal/models"
)

// Scores assigned to pre-filter verdicts
const (
	ScamScore   = 95
	SexualScore = 90
	SpamScore   = 80
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

type rule struct {
	category models.Category
	score    int
	patterns []pattern
}

var scamPatterns = []pattern{
	{"money_transfer", regexp.MustCompile(`(?i)\b(wire|send|transfer|deposit)\s+(me\s+)?(the\s+|some\s+)?(money|cash|funds|payment|\$\s?\d+)`)},
	{"money_service", regexp.MustCompile(`(?i)\b(western\s*union|money\s*gram|gift\s*cards?|itunes\s+cards?|steam\s+cards?|google\s+play\s+cards?)\b`)},
	{"payment_app", regexp.MustCompile(`(?i)\b(venmo|cash\s*app|zelle|paypal)\s+(me|@|\$|is|id)\b`)},
	{"off_platform", regexp.MustCompile(`(?i)\b(add|text|message|contact|reach|find|call)\s+me\s+(on|at|via|through)\s+(whats\s*app|telegram|kik|snap\s*chat|snap|wechat|signal|skype|hangouts|line)\b`)},
	{"off_platform_handle", regexp.MustCompile(`(?i)\bmy\s+(whats\s*app|telegram|kik|snap\s*chat|snap|wechat|signal|skype)\s*(is|:|number|id|handle)`)},
	{"sugar_findom", regexp.MustCompile(`(?i)\b(sugar\s*(daddy|mommy|mama|baby)|findom|financial\s+domination|pay\s*pig|allowance\s+arrangement)\b`)},
	{"crypto_pitch", regexp.MustCompile(`(?i)\b(bitcoin|btc|crypto(currency)?|usdt|forex|binary\s+options?)\b.{0,60}\b(invest(ment|ing)?|trading|profits?|returns?|platform|opportunity)\b`)},
	{"investment_pitch", regexp.MustCompile(`(?i)\b(invest(ment|ing)?|trading)\b.{0,60}\b(bitcoin|btc|crypto(currency)?|usdt|forex)\b|\b(guaranteed\s+(profits?|returns?)|double\s+your\s+(money|investment))\b`)},
	{"urgent_money", regexp.MustCompile(`(?i)\b(emergency|urgent(ly)?|hospital|stranded|stuck\s+at\s+the\s+airport)\b.{0,80}\b(money|cash|funds|loan|pay)\b`)},
	{"borrow_money", regexp.MustCompile(`(?i)\b(lend|loan|borrow)\s+(me\s+)?(some\s+)?(money|cash|\$\s?\d+)`)},
}

var sexualPatterns = []pattern{
	{"nudes_request", regexp.MustCompile(`(?i)\b(send|show)\s+(me\s+)?(your\s+|some\s+)?(nudes?|naked\s+(pics?|photos?)|nude\s+(pics?|photos?))\b`)},
	{"nudes", regexp.MustCompile(`(?i)\bnudes\b`)},
	{"explicit_proposition", regexp.MustCompile(`(?i)\b(want\s+to|wanna|let'?s|i\s+want\s+to)\s+(fuck|have\s+sex|bang|smash)\b`)},
	{"explicit_pics", regexp.MustCompile(`(?i)\b(dick|cock|pussy|tits|boob)\s+(pics?|photos?)\b`)},
	{"adult_service", regexp.MustCompile(`(?i)\b(only\s*fans|sexting|escort\s+(service|rates?)|happy\s+ending)\b`)},
}

// Engine is a stateless classifier; it is safe for concurrent use
type Engine struct {
	rules          []rule
	minSpamLength  int
	minRepeatUnit  int
	minRepetitions int
}

// NewEngine creates an engine with the built-in pattern set
func NewEngine() *Engine {
	return &Engine{
		rules: []rule{
			{category: models.CategoryScam, score: ScamScore, patterns: scamPatterns},
			{category: models.CategorySexual, score: SexualScore, patterns: sexualPatterns},
		},
		minSpamLength:  50,
		minRepeatUnit:  10,
		minRepetitions: 3,
	}
}

// Classify returns the first matching verdict, or nil when the text is
// inconclusive. A nil result is not an approval.
func (e *Engine) Classify(text string) *models.ModerationVerdict {
	for _, r := range e.rules {
		for _, p := range r.patterns {
			if p.re.MatchString(text) {
				return models.NewFlaggedVerdict(r.category, r.score, fmt.Sprintf("prefilter pattern: %s", p.name))
			}
		}
	}

	if e.isRepetitiveSpam(text) {
		return models.NewFlaggedVerdict(models.CategorySpam, SpamScore, "prefilter pattern: repeated_substring")
	}

	return nil
}

// isRepetitiveSpam reports whether a long text contains some substring of at
// least minRepeatUnit characters repeated minRepetitions times back to back.
// Line breaks count like any other character, so a pasted line repeats too.
func (e *Engine) isRepetitiveSpam(text string) bool {
	runes := []rune(text)
	n := len(runes)
	if n <= e.minSpamLength {
		return false
	}

	// A unit of length l repeats k times at i when runes[j] == runes[j+l]
	// holds for (k-1)*l consecutive positions starting at i.
	for l := e.minRepeatUnit; l*e.minRepetitions <= n; l++ {
		need := (e.minRepetitions - 1) * l
		run := 0
		for j := 0; j+l < n; j++ {
			if runes[j] == runes[j+l] {
				run++
				if run >= need {
					return true
				}
			} else {
				run = 0
			}
		}
	}
	return false
}
