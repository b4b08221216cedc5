package moderation

import "context"

// Result is the raw output of an external text classifier.
// Keys follow the model's category names, e.g. "sexual/minors".
type Result struct {
	Flagged    bool
	Categories map[string]bool
	Scores     map[string]float64
}

// Classifier calls an external text-classification model
type Classifier interface {
	Classify(ctx context.Context, text string) (*Result, error)
}
