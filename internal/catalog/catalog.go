// Package catalog fetches and caches the remote registry document listing
// installable servers. Each Client holds a single cache entry guarded by a
// mutex; a refetch failure never poisons whatever was last cached.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gzip "github.com/klauspost/compress/gzip"
)

// Entry is one installable server as described by the remote registry.
type Entry struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Runtime      string            `json:"runtime"`
	Config       Config            `json:"config"`
	Distribution *DistributionRef  `json:"distribution,omitempty"`
}

// Config is the launch hint carried by a catalog entry.
type Config struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// DistributionRef names the installer-toolchain package for an entry.
type DistributionRef struct {
	Type    string `json:"type,omitempty"`
	Package string `json:"package,omitempty"`
}

type document struct {
	Tools []Entry `json:"tools"`
}

// Client fetches the catalog document over HTTP and caches it for a fixed
// freshness window.
type Client struct {
	url       string
	userAgent string
	ttl       time.Duration
	http      *http.Client

	mu       sync.Mutex
	cached   []Entry
	fetchedAt time.Time
}

// NewClient builds a catalog client for url, caching successful fetches for
// ttl (the spec's freshness window is 60s).
func NewClient(url string, ttl time.Duration) *Client {
	return &Client{
		url:       url,
		userAgent: "mcpcored/1.0 (+catalog-client)",
		ttl:       ttl,
		http:      &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch returns the cached catalog if it is still fresh, otherwise performs
// a network fetch. A failed refetch returns the error without discarding
// whatever was previously cached.
func (c *Client) Fetch(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.fetchedAt) < c.ttl {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	entries, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cached = entries
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return entries, nil
}

func (c *Client) fetch(ctx context.Context) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch catalog: unexpected status %d", resp.StatusCode)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("read catalog body: %w", err)
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog document: %w", err)
	}
	return doc.Tools, nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return io.ReadAll(reader)
}
