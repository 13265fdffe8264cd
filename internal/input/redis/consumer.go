package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"txt2detection/internal/logger"
)

// Config configures the job queue.
type Config struct {
	Addr         string
	Password     string
	DB           int
	Key          string
	BlockTimeout time.Duration
	// FailedKey receives jobs that could not be processed. It defaults to
	// Key + ":failed".
	FailedKey string
}

// Consumer pops job documents from a Redis list and parks failed ones on a
// second list.
type Consumer struct {
	client       redis.Cmdable
	closer       func() error
	key          string
	failedKey    string
	blockTimeout time.Duration
	now          func() time.Time
}

// FailedJob is the entry pushed to the failed list.
type FailedJob struct {
	Payload  string    `json:"payload"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// NewConsumer connects to Redis and creates a job consumer.
func NewConsumer(cfg Config) (*Consumer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	c, err := newConsumer(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.closer = client.Close
	logger.Infof("Consuming jobs from redis %s list %s", cfg.Addr, c.key)
	return c, nil
}

func newConsumer(client redis.Cmdable, cfg Config) (*Consumer, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis job key is required")
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.FailedKey == "" {
		cfg.FailedKey = cfg.Key + ":failed"
	}
	if cfg.FailedKey == cfg.Key {
		return nil, fmt.Errorf("failed job key must differ from %s", cfg.Key)
	}
	return &Consumer{
		client:       client,
		key:          cfg.Key,
		failedKey:    cfg.FailedKey,
		blockTimeout: cfg.BlockTimeout,
		now:          time.Now,
	}, nil
}

// Key returns the job list.
func (c *Consumer) Key() string { return c.key }

// FailedKey returns the list failed jobs are pushed to.
func (c *Consumer) FailedKey() string { return c.failedKey }

// Pop waits for the next job document. It returns nil, nil when the wait
// times out or the entry is blank.
func (c *Consumer) Pop(ctx context.Context) ([]byte, error) {
	res, err := c.client.BLPop(ctx, c.blockTimeout, c.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job from %s: %w", c.key, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	payload := bytes.TrimSpace([]byte(res[1]))
	if len(payload) == 0 {
		logger.Warnf("Skipping blank job on %s", c.key)
		return nil, nil
	}
	return payload, nil
}

// Fail pushes a job that could not be processed onto the failed list.
func (c *Consumer) Fail(ctx context.Context, payload []byte, reason error) error {
	entry := FailedJob{Payload: string(payload), FailedAt: c.now().UTC()}
	if reason != nil {
		entry.Error = reason.Error()
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode failed job: %w", err)
	}
	if err := c.client.RPush(ctx, c.failedKey, raw).Err(); err != nil {
		return fmt.Errorf("push failed job to %s: %w", c.failedKey, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Consumer) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
