package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
)

// Store holds per-user message counters scoped to the current UTC day
type Store interface {
	// GetCount returns today's count for the user, 0 if none
	GetCount(ctx context.Context, userID string) (int, error)
	// Increment adds one to today's count and returns the new value
	Increment(ctx context.Context, userID string) (int, error)
	// ResetDaily removes counters whose day is not today and returns how many were removed
	ResetDaily(ctx context.Context) (int, error)
	// Len returns the number of live counters for today
	Len(ctx context.Context) (int, error)
}

// Clock returns the current time. Counters are keyed on its UTC date.
type Clock func() time.Time

// DayKey formats the calendar day a counter belongs to
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}

// Manager selects the counter backend from configuration
type Manager struct {
	store       Store
	backend     string
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates the configured counter store
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{
		backend: cfg.Counter.Type,
		logger:  logger,
	}

	switch cfg.Counter.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Counter.Redis.Addr,
			Password: cfg.Counter.Redis.Password,
			DB:       cfg.Counter.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		manager.store = NewRedisStore(client, nil, logger)
		manager.redisClient = client
	case "memory":
		manager.store = NewMemoryStore(nil)
	default:
		return nil, fmt.Errorf("unsupported counter store type: %s", cfg.Counter.Type)
	}

	logger.WithField("backend", manager.backend).Info("Counter store initialized")
	return manager, nil
}

// Store returns the underlying counter store
func (m *Manager) Store() Store {
	return m.store
}

// Backend returns the configured backend name
func (m *Manager) Backend() string {
	return m.backend
}

// Close releases the Redis connection if one is open
func (m *Manager) Close() error {
	if m.redisClient != nil {
		return m.redisClient.Close()
	}
	return nil
}
