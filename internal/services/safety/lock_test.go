package safety

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/internal/services/moderation"
	"github.com/sparkmatch/msgsafety/internal/services/prefilter"
	"github.com/sparkmatch/msgsafety/internal/services/storage"
	"github.com/sparkmatch/msgsafety/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// heldModerator blocks on one text until released
type heldModerator struct {
	held    string
	started chan struct{}
	release chan struct{}
}

func (m *heldModerator) Moderate(ctx context.Context, text string) *models.ModerationVerdict {
	if text == m.held {
		close(m.started)
		<-m.release
	}
	return models.NewCleanVerdict("")
}

func (m *heldModerator) ModerateAsync(ctx context.Context, messageID, text string, onFlagged moderation.FlaggedFunc) error {
	return nil
}

func TestEvaluateSend_ModelCallDoesNotBlockUsersOnSameStripe(t *testing.T) {
	cfg := &config.Config{
		Moderation: config.ModerationConfig{Enabled: true, Mode: config.ModeSync},
		RateLimit: config.RateLimitConfig{
			Verified:         100,
			NewAccount:       5,
			YoungAccount:     20,
			Established:      50,
			YoungAccountDays: 1,
			EstablishedDays:  7,
			MaxMessageLength: 4096,
		},
	}
	moderator := &heldModerator{held: "slow to classify", started: make(chan struct{}), release: make(chan struct{})}
	p := NewPipeline(cfg, Components{
		Store:     storage.NewMemoryStore(nil),
		PreFilter: prefilter.NewEngine(),
		Moderator: moderator,
		Logger:    logger.NewNopLogger(),
	})

	other := ""
	for i := 0; other == ""; i++ {
		if id := fmt.Sprintf("user-%d", i); p.lockFor(id) == p.lockFor("user-a") {
			other = id
		}
	}

	slow := make(chan *models.SendResult, 1)
	go func() {
		result, err := p.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-a", Text: "slow to classify"})
		assert.NoError(t, err)
		slow <- result
	}()
	<-moderator.started

	done := make(chan *models.SendResult, 1)
	go func() {
		result, err := p.EvaluateSend(context.Background(), models.SendRequest{UserID: other, Text: "hello"})
		assert.NoError(t, err)
		done <- result
	}()

	select {
	case result := <-done:
		assert.True(t, result.Allowed)
	case <-time.After(time.Second):
		t.Errorf("%s waited behind user-a's model call", other)
	}

	close(moderator.release)
	result := <-slow
	require.NotNil(t, result)
	assert.True(t, result.Allowed)
}
