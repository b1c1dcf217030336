package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryTracker keeps seen Message-IDs in process memory
type MemoryTracker struct {
	mu       sync.Mutex
	received map[string]time.Time
	window   time.Duration

	done chan struct{}
	once sync.Once
}

// NewMemoryTracker creates a tracker remembering ids for window
func NewMemoryTracker(window time.Duration) *MemoryTracker {
	t := &MemoryTracker{
		received: make(map[string]time.Time),
		window:   window,
		done:     make(chan struct{}),
	}
	go t.cleanupExpired(cleanupInterval(window))
	return t
}

func cleanupInterval(window time.Duration) time.Duration {
	if window > 0 && window < time.Hour {
		return window
	}
	return time.Hour
}

// Seen implements Tracker
func (t *MemoryTracker) Seen(_ context.Context, messageID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if receivedAt, exists := t.received[messageID]; exists && now.Sub(receivedAt) < t.window {
		return true, nil
	}
	t.received[messageID] = now
	return false, nil
}

// Forget implements Tracker
func (t *MemoryTracker) Forget(_ context.Context, messageID string) error {
	t.mu.Lock()
	delete(t.received, messageID)
	t.mu.Unlock()
	return nil
}

// Len returns the number of ids currently remembered
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.received)
}

// Close stops the cleanup goroutine
func (t *MemoryTracker) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *MemoryTracker) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.expire(time.Now())
		}
	}
}

func (t *MemoryTracker) expire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, receivedAt := range t.received {
		if now.Sub(receivedAt) > t.window {
			delete(t.received, id)
		}
	}
}

// RedisClient is the subset of the go-redis client RedisTracker needs
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig configures the Redis tracker connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisTracker shares seen Message-IDs between instances through Redis
type RedisTracker struct {
	client RedisClient
	window time.Duration
	prefix string
}

// NewRedisTracker connects to Redis and verifies the connection
func NewRedisTracker(ctx context.Context, config RedisConfig, window time.Duration) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisTrackerWithClient(client, config.Prefix, window), nil
}

// NewRedisTrackerWithClient wraps an existing client
func NewRedisTrackerWithClient(client RedisClient, prefix string, window time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = "as2:seen:"
	}
	return &RedisTracker{client: client, window: window, prefix: prefix}
}

func (t *RedisTracker) key(messageID string) string {
	return t.prefix + ComputeMessageHash([]byte(messageID))
}

// Seen implements Tracker with SET NX, so the first instance to see an id
// wins and the key expires after the window
func (t *RedisTracker) Seen(ctx context.Context, messageID string) (bool, error) {
	key := t.key(messageID)
	stored, err := t.client.SetNX(ctx, key, time.Now().Unix(), t.window).Result()
	if err != nil {
		return false, fmt.Errorf("duplicate check failed: %w", err)
	}
	return !stored, nil
}

// Forget implements Tracker
func (t *RedisTracker) Forget(ctx context.Context, messageID string) error {
	if err := t.client.Del(ctx, t.key(messageID)).Err(); err != nil {
		return fmt.Errorf("failed to forget message id: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// NopTracker never reports duplicates
type NopTracker struct{}

func (NopTracker) Seen(context.Context, string) (bool, error) { return false, nil }
func (NopTracker) Forget(context.Context, string) error       { return nil }
func (NopTracker) Close() error                               { return nil }
