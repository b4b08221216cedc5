package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/sparkmatch/msgsafety/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %s: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	// Load language files
	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFileFS(localeFS, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message, or the message ID when none is found
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	return l.GetOr(lang, messageID, data, messageID)
}

// GetOr returns localized message, or fallback when none is found
func (l *Localizer) GetOr(lang, messageID string, data map[string]interface{}, fallback string) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		// Regional variants such as es-MX resolve through tag matching
		localizer = i18n.NewLocalizer(l.bundle, lang, l.defaultLanguage)
	}

	// A message served from the default language still carries a not-found error
	msg, _ := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if msg == "" {
		return fallback
	}

	return msg
}

// Message IDs
const (
	MsgFloodLimited = "flood_limited"
	MsgInputTooLong = "input_too_long"
	MsgInputInvalid = "input_invalid"
)
