package bundlehttp

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"txt2detection/internal/logger"
	"txt2detection/pkg/models"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond
)

// Config configures the HTTP writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// Retries is the number of extra attempts after a transport error,
	// 429 or 5xx. Negative disables retries.
	Retries int
	Backoff time.Duration
}

// Writer posts STIX bundles to a collector endpoint.
type Writer struct {
	url     string
	headers map[string]string
	client  *http.Client
	retries int
	backoff time.Duration
	sleep   func(time.Duration)
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http bundle URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch {
	case cfg.Retries < 0:
		cfg.Retries = 0
	case cfg.Retries == 0:
		cfg.Retries = defaultRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Writer{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		sleep:   time.Sleep,
	}, nil
}

// WriteBundle posts the bundle JSON. The report id and rule count travel as
// headers so collectors can route without parsing the body.
func (w *Writer) WriteBundle(out *models.BundleOutput) error {
	if out == nil || len(out.Bundle) == 0 {
		return nil
	}

	attempts := w.retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retry, err := w.post(out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == attempts {
			break
		}
		logger.Warnf("Posting %s failed (attempt %d/%d): %v", out.BundleID, attempt, attempts, err)
		w.sleep(time.Duration(attempt) * w.backoff)
	}
	return fmt.Errorf("post %s to %s: %w", out.BundleID, w.url, lastErr)
}

// post sends one request and reports whether a failure is worth retrying.
func (w *Writer) post(out *models.BundleOutput) (bool, error) {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(out.Bundle))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bundle-Id", out.BundleID)
	if out.ReportID != "" {
		req.Header.Set("X-Report-Id", out.ReportID)
	}
	req.Header.Set("X-Rule-Count", strconv.Itoa(len(out.Rules)))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("status %s", resp.Status)
	default:
		return false, fmt.Errorf("status %s", resp.Status)
	}
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
