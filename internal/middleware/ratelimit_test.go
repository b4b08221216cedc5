package middleware_test

import (
	"strings"
	"testing"

	"github.com/sparkmatch/msgsafety/internal/config"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/pkg/logger"
	"github.com/stretchr/testify/assert"
)

func TestFloodGuard_Disabled(t *testing.T) {
	guard := middleware.NewFloodGuard(&config.FloodConfig{Enabled: false}, logger.NewNopLogger())

	for i := 0; i < 100; i++ {
		assert.True(t, guard.Allow("userA"))
	}
	guard.Reset("userA")
}

func TestFloodGuard_BurstThenLimited(t *testing.T) {
	guard := middleware.NewFloodGuard(&config.FloodConfig{
		Enabled:   true,
		PerSecond: 0.001,
		Burst:     3,
		MaxUsers:  10,
	}, logger.NewNopLogger())

	for i := 0; i < 3; i++ {
		assert.True(t, guard.Allow("userA"), "message %d within burst", i+1)
	}
	assert.False(t, guard.Allow("userA"))
	assert.True(t, guard.Allow("userB"), "buckets are per user")

	guard.Reset("userA")
	assert.True(t, guard.Allow("userA"))
}

func TestInputGuard_ValidateInput(t *testing.T) {
	guard := middleware.NewInputGuard(10)

	assert.NoError(t, guard.ValidateInput("hello"))
	assert.NoError(t, guard.ValidateInput("héllo wörl"), "length counts characters, not bytes")
	assert.ErrorIs(t, guard.ValidateInput(strings.Repeat("a", 11)), middleware.ErrMessageTooLong)
	assert.ErrorIs(t, guard.ValidateInput(string([]byte{0xff, 0xfe})), middleware.ErrInvalidEncoding)
}
