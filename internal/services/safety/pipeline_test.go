package safety_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/i18n"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/internal/models"
	"github.com/sparkmatch/msgsafety/internal/services/moderation"
	"github.com/sparkmatch/msgsafety/internal/services/prefilter"
	"github.com/sparkmatch/msgsafety/internal/services/safety"
	"github.com/sparkmatch/msgsafety/internal/services/storage"
	"github.com/sparkmatch/msgsafety/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockModerator struct {
	mock.Mock
}

func (m *MockModerator) Moderate(ctx context.Context, text string) *models.ModerationVerdict {
	args := m.Called(ctx, text)
	return args.Get(0).(*models.ModerationVerdict)
}

func (m *MockModerator) ModerateAsync(ctx context.Context, messageID, text string, onFlagged moderation.FlaggedFunc) error {
	args := m.Called(ctx, messageID, text, onFlagged)
	return args.Error(0)
}

// countingFilter records how often the pre-filter ran
type countingFilter struct {
	engine *prefilter.Engine
	calls  atomic.Int32
}

func (f *countingFilter) Classify(text string) *models.ModerationVerdict {
	f.calls.Add(1)
	return f.engine.Classify(text)
}

type failingStore struct{}

func (failingStore) GetCount(ctx context.Context, userID string) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) Increment(ctx context.Context, userID string) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) ResetDaily(ctx context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

func (failingStore) Len(ctx context.Context) (int, error) {
	return 0, errors.New("connection refused")
}

type classifierFunc func(ctx context.Context, text string) (*moderation.Result, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (*moderation.Result, error) {
	return f(ctx, text)
}

func testConfig() *config.Config {
	return &config.Config{
		Moderation: config.ModerationConfig{
			Enabled:           true,
			Mode:              config.ModeSync,
			Timeout:           time.Second,
			CacheTTL:          time.Hour,
			CacheMaxSize:      100,
			CleanupInterval:   time.Minute,
			AsyncConcurrency:  4,
			NotifiedCacheSize: 100,
			NotifiedTTL:       time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Verified:         100,
			NewAccount:       5,
			YoungAccount:     20,
			Established:      50,
			YoungAccountDays: 1,
			EstablishedDays:  7,
			MaxMessageLength: 200,
		},
		I18n: config.I18nConfig{
			DefaultLanguage: "en",
			Languages:       []string{"en", "es"},
		},
	}
}

type fixture struct {
	pipeline  *safety.Pipeline
	store     *storage.MemoryStore
	filter    *countingFilter
	moderator *MockModerator
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	f := &fixture{
		store:     storage.NewMemoryStore(nil),
		filter:    &countingFilter{engine: prefilter.NewEngine()},
		moderator: new(MockModerator),
	}
	f.pipeline = safety.NewPipeline(cfg, safety.Components{
		Store:     f.store,
		PreFilter: f.filter,
		Moderator: f.moderator,
		Localizer: localizer,
		Metrics:   middleware.NewMetrics(),
		Logger:    logger.NewNopLogger(),
	})
	return f
}

func (f *fixture) send(t *testing.T, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.store.Increment(context.Background(), userID)
		require.NoError(t, err)
	}
}

func TestEvaluateSend_DailyLimitShortCircuitsContentChecks(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.moderator.On("Moderate", mock.Anything, "see you at eight?").Return(models.NewCleanVerdict(""))

	f.send(t, "user-1", 19)

	req := models.SendRequest{UserID: "user-1", Text: "see you at eight?", AccountAgeDays: 3}

	result, err := f.pipeline.EvaluateSend(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 20, result.Count)
	assert.Empty(t, result.Reason)

	count, err := f.store.GetCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, count)

	result, err = f.pipeline.EvaluateSend(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, models.StageRateLimit, result.Stage)
	assert.Contains(t, result.Reason, "20 messages per day")
	assert.Equal(t, 20, result.Count)

	assert.Equal(t, int32(1), f.filter.calls.Load(), "pre-filter is skipped once the limit is hit")
	f.moderator.AssertNumberOfCalls(t, "Moderate", 1)

	count, err = f.store.GetCount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, count, "rejected messages are not counted")
}

func TestEvaluateSend_TierBoundaries(t *testing.T) {
	testCases := []struct {
		name     string
		sent     int
		ageDays  int
		verified bool
		allowed  bool
	}{
		{"fifth message of a new account", 4, 0, false, true},
		{"sixth message of a new account", 5, 0, false, false},
		{"fiftieth message of an old account", 49, 30, false, true},
		{"fifty-first message of an old account", 50, 30, false, false},
		{"hundredth message of a verified account", 99, 999, true, true},
		{"hundred-and-first message of a verified account", 100, 999, true, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			f.moderator.On("Moderate", mock.Anything, mock.Anything).Return(models.NewCleanVerdict(""))
			f.send(t, "user", tc.sent)

			result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
				UserID:         "user",
				Text:           "hello there",
				AccountAgeDays: tc.ageDays,
				IsVerified:     tc.verified,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, result.Allowed)
		})
	}
}

func TestEvaluateSend_PreFilterRejection(t *testing.T) {
	f := newFixture(t, testConfig())

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   "please wire money via western union now",
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, models.StagePreFilter, result.Stage)
	require.NotNil(t, result.Verdict)
	assert.Equal(t, "scam_attempt", result.Verdict.CategoryName())
	assert.Equal(t, 95, result.Verdict.Score)
	assert.Equal(t, models.CategoryScam.DefaultMessage(), result.Reason)
	f.moderator.AssertNotCalled(t, "Moderate", mock.Anything, mock.Anything)

	count, err := f.store.GetCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEvaluateSend_ModerationRejection(t *testing.T) {
	f := newFixture(t, testConfig())
	f.moderator.On("Moderate", mock.Anything, "you are worthless").
		Return(models.NewFlaggedVerdict(models.CategoryHarassment, 87, "harassment"))

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID:   "user-1",
		Text:     "you are worthless",
		Language: "es",
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, models.StageModeration, result.Stage)
	assert.Equal(t, 87, result.Verdict.Score)
	assert.Contains(t, result.Reason, "acoso")
	assert.Equal(t, result.Reason, result.Verdict.Message)

	count, err := f.store.GetCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEvaluateSend_ModerationFailOpen(t *testing.T) {
	f := newFixture(t, testConfig())
	f.moderator.On("Moderate", mock.Anything, "hey how's your day going").
		Return(models.NewCleanVerdict("moderation unavailable: timeout"))

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   "hey how's your day going",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Count)
}

func TestEvaluateSend_DeferredModeSkipsModel(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Mode = config.ModeDeferred
	f := newFixture(t, cfg)

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   "hey how's your day going",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	f.moderator.AssertNotCalled(t, "Moderate", mock.Anything, mock.Anything)
}

func TestEvaluateSend_LocalizedRateLimitReason(t *testing.T) {
	f := newFixture(t, testConfig())
	f.send(t, "user-1", 5)

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID:   "user-1",
		Text:     "hola",
		Language: "es",
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Contains(t, result.Reason, "5 mensajes por día")
}

func TestEvaluateSend_InputRejection(t *testing.T) {
	f := newFixture(t, testConfig())

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   strings.Repeat("a", 201),
	})
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, models.StageInput, result.Stage)
	assert.Contains(t, result.Reason, "200 characters")
	assert.Equal(t, int32(0), f.filter.calls.Load())
}

func TestEvaluateSend_InvalidRequest(t *testing.T) {
	f := newFixture(t, testConfig())

	testCases := []struct {
		name string
		req  models.SendRequest
	}{
		{"missing user", models.SendRequest{Text: "hi"}},
		{"missing text", models.SendRequest{UserID: "user-1"}},
		{"negative account age", models.SendRequest{UserID: "user-1", Text: "hi", AccountAgeDays: -1}},
		{"malformed language", models.SendRequest{UserID: "user-1", Text: "hi", Language: "not a tag!"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.pipeline.EvaluateSend(context.Background(), tc.req)
			assert.ErrorIs(t, err, safety.ErrInvalidRequest)
			assert.Nil(t, result)
		})
	}
}

func TestEvaluateSend_CounterFailureFailsOpen(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Enabled = false

	pipeline := safety.NewPipeline(cfg, safety.Components{
		Store:     failingStore{},
		PreFilter: prefilter.NewEngine(),
		Logger:    logger.NewNopLogger(),
	})

	result, err := pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   "hello",
	})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Count)
}

func TestEvaluateSend_ConcurrentSendsRespectLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Enabled = false
	f := newFixture(t, cfg)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
				UserID: "user-1",
				Text:   "hello",
			})
			if assert.NoError(t, err) && result.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
	count, err := f.store.GetCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEvaluateSend_FloodGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Enabled = false
	cfg.RateLimit.Flood = config.FloodConfig{Enabled: true, PerSecond: 0.001, Burst: 2, MaxUsers: 10}
	f := newFixture(t, cfg)

	req := models.SendRequest{UserID: "user-1", Text: "hello", AccountAgeDays: 30}
	for i := 0; i < 2; i++ {
		result, err := f.pipeline.EvaluateSend(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := f.pipeline.EvaluateSend(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, models.StageFlood, result.Stage)
	assert.Equal(t, 2, result.Count)
}

func TestModerateAsync_InvalidCalls(t *testing.T) {
	f := newFixture(t, testConfig())
	noop := func(string, *models.ModerationVerdict) {}

	assert.ErrorIs(t, f.pipeline.ModerateAsync(context.Background(), "", "text", noop), safety.ErrInvalidRequest)
	assert.ErrorIs(t, f.pipeline.ModerateAsync(context.Background(), "msg-1", "", noop), safety.ErrInvalidRequest)
	assert.ErrorIs(t, f.pipeline.ModerateAsync(context.Background(), "msg-1", "text", nil), safety.ErrInvalidRequest)
	f.moderator.AssertNotCalled(t, "ModerateAsync", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestModerateAsync_RetractsFlaggedMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Mode = config.ModeDeferred

	gateway := moderation.NewGateway(classifierFunc(func(ctx context.Context, text string) (*moderation.Result, error) {
		return &moderation.Result{
			Flagged:    true,
			Categories: map[string]bool{"violence": true},
			Scores:     map[string]float64{"violence": 0.91},
		}, nil
	}), &cfg.Moderation, middleware.NewMetrics(), logger.NewNopLogger())

	pipeline := safety.NewPipeline(cfg, safety.Components{
		Store:     storage.NewMemoryStore(nil),
		PreFilter: prefilter.NewEngine(),
		Moderator: gateway,
		Logger:    logger.NewNopLogger(),
	})

	result, err := pipeline.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-1", Text: "meet me outside"})
	require.NoError(t, err)
	require.True(t, result.Allowed, "deferred mode lets the message through")

	var (
		mu        sync.Mutex
		retracted []string
	)
	onFlagged := func(messageID string, verdict *models.ModerationVerdict) {
		mu.Lock()
		defer mu.Unlock()
		retracted = append(retracted, messageID)
		assert.Equal(t, "violence", verdict.CategoryName())
		assert.Equal(t, 91, verdict.Score)
	}

	require.NoError(t, pipeline.ModerateAsync(context.Background(), "msg-1", "meet me outside", onFlagged))
	require.NoError(t, pipeline.ModerateAsync(context.Background(), "msg-1", "meet me outside", onFlagged))
	gateway.Wait()

	assert.Equal(t, []string{"msg-1"}, retracted)
}

func TestModerateAsync_DisabledModeration(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Enabled = false

	pipeline := safety.NewPipeline(cfg, safety.Components{
		Store:     storage.NewMemoryStore(nil),
		PreFilter: prefilter.NewEngine(),
		Logger:    logger.NewNopLogger(),
	})

	called := false
	err := pipeline.ModerateAsync(context.Background(), "msg-1", "text", func(string, *models.ModerationVerdict) { called = true })
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestEvaluateSend_LastSlotTakenDuringModeration(t *testing.T) {
	f := newFixture(t, testConfig())
	f.send(t, "user-1", 4)

	started := make(chan struct{})
	release := make(chan struct{})
	f.moderator.On("Moderate", mock.Anything, "are you free on friday").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(models.NewCleanVerdict(""))
	f.moderator.On("Moderate", mock.Anything, "hi!").Return(models.NewCleanVerdict(""))

	slow := make(chan *models.SendResult, 1)
	go func() {
		result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-1", Text: "are you free on friday"})
		assert.NoError(t, err)
		slow <- result
	}()
	<-started

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-1", Text: "hi!"})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Count)

	close(release)
	result = <-slow
	assert.False(t, result.Allowed)
	assert.Equal(t, models.StageRateLimit, result.Stage)
	assert.Equal(t, 5, result.Count)

	count, err := f.store.GetCount(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestEvaluateSend_ContentRejectionKeepsFloodAllowance(t *testing.T) {
	cfg := testConfig()
	cfg.Moderation.Enabled = false
	cfg.RateLimit.Flood = config.FloodConfig{Enabled: true, PerSecond: 0.001, Burst: 1, MaxUsers: 10}
	f := newFixture(t, cfg)

	result, err := f.pipeline.EvaluateSend(context.Background(), models.SendRequest{
		UserID: "user-1",
		Text:   "please wire money via western union now",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StagePreFilter, result.Stage)

	result, err = f.pipeline.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-1", Text: "hello"})
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = f.pipeline.EvaluateSend(context.Background(), models.SendRequest{UserID: "user-1", Text: "hello again"})
	require.NoError(t, err)
	assert.Equal(t, models.StageFlood, result.Stage)
}
