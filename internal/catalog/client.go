package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"txt2detection/internal/logger"
	"txt2detection/internal/metrics"
	"txt2detection/pkg/models"
)

// PageSize is requested on every catalog page.
const PageSize = 1000

// Config configures a catalog client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// Client fetches STIX objects from a paginated catalog API.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	metrics *metrics.Metrics
}

type page struct {
	PageSize         int                `json:"page_size"`
	PageResultsCount int                `json:"page_results_count"`
	Objects          []models.RawObject `json:"objects"`
}

// NewClient creates a catalog client. A zero timeout means no timeout.
func NewClient(name string, cfg Config, m *metrics.Metrics) *Client {
	return &Client{
		name:    name,
		baseURL: strings.TrimSpace(cfg.BaseURL),
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: m,
	}
}

// Name returns the catalog name used in logs and metrics.
func (c *Client) Name() string { return c.name }

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Objects fetches every page of GET {base}/{path}?{param}=id1,id2. Paging
// stops at the first failed, empty or short page; what was gathered so far
// is returned. Failures are logged, never returned.
func (c *Client) Objects(ctx context.Context, path, param string, ids []string) []models.RawObject {
	if len(ids) == 0 || !c.Configured() {
		return nil
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	var out []models.RawObject
	for pageNum := 1; ; pageNum++ {
		p, err := c.fetch(ctx, endpoint, param, ids, pageNum)
		if err != nil {
			logger.Warnf("%s: page %d: %v", c.name, pageNum, err)
			c.metrics.CatalogRequest(c.name, "error", 0)
			break
		}
		if len(p.Objects) == 0 {
			c.metrics.CatalogRequest(c.name, "empty", 0)
			break
		}
		c.metrics.CatalogRequest(c.name, "ok", len(p.Objects))
		out = append(out, p.Objects...)
		if p.PageResultsCount < p.PageSize {
			break
		}
	}
	logger.Debugf("%s: resolved %d objects for %v", c.name, len(out), ids)
	return out
}

func (c *Client) fetch(ctx context.Context, endpoint, param string, ids []string, pageNum int) (*page, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set(param, strings.Join(ids, ","))
	q.Set("page", strconv.Itoa(pageNum))
	q.Set("page_size", strconv.Itoa(PageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("http request failed with status %s", resp.Status)
	}

	var p page
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode page: %w", err)
	}
	return &p, nil
}
