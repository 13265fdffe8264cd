package bundleredis

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"txt2detection/pkg/models"
)

// Config configures the Redis writer.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// Writer appends bundle JSON documents to a Redis list.
type Writer struct {
	client  redis.Cmdable
	closer  func() error
	key     string
	timeout time.Duration
}

// NewWriter creates a Redis list writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	w, err := newWriter(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	w.closer = client.Close
	return w, nil
}

func newWriter(client redis.Cmdable, cfg Config) (*Writer, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("redis key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Writer{client: client, key: cfg.Key, timeout: cfg.Timeout}, nil
}

// WriteBundle pushes the bundle JSON onto the list.
func (w *Writer) WriteBundle(out *models.BundleOutput) error {
	if out == nil || len(out.Bundle) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.client.RPush(ctx, w.key, out.Bundle).Err(); err != nil {
		return fmt.Errorf("failed to push bundle %s: %w", out.BundleID, err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer()
}
