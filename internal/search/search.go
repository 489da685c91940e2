// Package search queries the web-search service used by the research specialist.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxResultBytes = 1 << 20

var (
	ErrUnexpectedStatus = errors.New("unexpected search status")
	ErrNotConfigured    = errors.New("search endpoint not configured")
)

// Searcher returns result text for a query.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type resultPage struct {
	Results []Result `json:"results"`
}

// Client is a Searcher backed by a JSON search API answering
// GET <endpoint>?q=<query> with {"results":[{title,url,snippet}]}.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *zap.Logger
}

// NewClient creates a search client. An empty endpoint yields a client whose
// every search fails with ErrNotConfigured.
func NewClient(endpoint, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Search runs query and renders the hits as a markdown list.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	if c.endpoint == "" {
		return "", ErrNotConfigured
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("Search: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("Search: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("Search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("Search: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return "", fmt.Errorf("Search: %w", err)
	}
	var page resultPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return "", fmt.Errorf("Search: decode: %w", err)
	}

	c.logger.Debug("search completed", zap.Int("results", len(page.Results)))
	return Format(page.Results), nil
}

// Format renders results as a markdown list, or "" when there are none.
func Format(results []Result) string {
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
	}
	return b.String()
}
