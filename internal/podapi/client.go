// Package podapi is the agent's only path to the pod: paged tag queries on
// the read side and the base64 file-ingest route on the write side.
package podapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"

	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
)

const (
	// perPage is the page size for tag queries.
	perPage = 100

	// defaultMaxPages bounds how deep a single tag query pages.
	defaultMaxPages = 10

	// CacheNever disables caching for a FetchByID call.
	CacheNever = 0

	// CacheForever caches a FetchByID result until the cache is cleared.
	CacheForever = -1
)

// Client talks to the pod. Endpoint details are resolved through the
// provider on every request so an endpoint switch in the UI takes effect
// without restarting workers.
type Client struct {
	provider   endpoint.Provider
	httpClient *http.Client
	postClient *http.Client
	clock      clock.Clock
	cache      *gocache.Cache
	logger     *slog.Logger
}

// New creates a pod client.
func New(provider endpoint.Provider, logger *slog.Logger) *Client {
	return &Client{
		provider:   provider,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		postClient: &http.Client{Timeout: 15 * time.Second},
		clock:      clock.New(),
		cache:      gocache.New(gocache.NoExpiration, 10*time.Minute),
		logger:     logger,
	}
}

// APIError represents a non-2xx response from the pod.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// listResponse is the JSON response from the tag query endpoint.
type listResponse struct {
	FeedEntries []digestJSON `json:"feedentries"`
	Pages       int          `json:"pages"`
}

// FetchByTags fetches all digests matching the tag set, paging until the
// server reports no more pages, a page comes back empty, or maxPages is
// reached (pass 0 for the default of 10). Fails soft: a page error after
// the first returns whatever was collected so far.
func (c *Client) FetchByTags(ctx context.Context, tags []string, maxPages int) ([]Digest, error) {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	var out []Digest
	totalPages := 1
	for page := 1; page <= maxPages && page <= totalPages; page++ {
		resp, err := c.fetchPage(ctx, tags, page)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			c.logger.Warn("tag query page failed, returning partial results",
				"tags", strings.Join(tags, ","), "page", page, "error", err)
			return out, nil
		}
		if len(resp.FeedEntries) == 0 {
			break
		}
		for i := range resp.FeedEntries {
			out = append(out, resp.FeedEntries[i].toDigest())
		}
		if resp.Pages > 0 {
			totalPages = resp.Pages
		}
	}
	return out, nil
}

// FetchWithLookback is FetchByTags filtered to digests created within the
// last lookback duration. Digests with a missing or unparseable timestamp
// are included: the queue treats them as recent.
func (c *Client) FetchWithLookback(ctx context.Context, tags []string, lookback time.Duration) ([]Digest, error) {
	all, err := c.FetchByTags(ctx, tags, 0)
	if err != nil {
		return nil, err
	}
	cutoff := c.clock.Now().UTC().Add(-lookback)
	out := make([]Digest, 0, len(all))
	for _, d := range all {
		if d.CreatedAt.IsZero() || !d.CreatedAt.Before(cutoff) {
			out = append(out, d)
		}
	}
	return out, nil
}

// FetchByID returns the content of a single digest, located by searching
// the given tag set. cacheMinutes controls the single-digest cache:
// CacheNever bypasses it, CacheForever keeps the entry until ClearCache,
// and any positive value is a TTL in minutes.
func (c *Client) FetchByID(ctx context.Context, digestID string, searchTags []string, cacheMinutes int) (string, error) {
	if cacheMinutes != CacheNever {
		if v, ok := c.cache.Get(digestID); ok {
			return v.(string), nil
		}
	}
	all, err := c.FetchByTags(ctx, searchTags, 0)
	if err != nil {
		return "", err
	}
	for _, d := range all {
		if d.ID != digestID {
			continue
		}
		if cacheMinutes != CacheNever {
			ttl := gocache.NoExpiration
			if cacheMinutes > 0 {
				ttl = time.Duration(cacheMinutes) * time.Minute
			}
			c.cache.Set(digestID, d.Content, ttl)
		}
		return d.Content, nil
	}
	return "", fmt.Errorf("digest %s not found under tags %s", digestID, strings.Join(searchTags, ","))
}

// ClearCache drops all single-digest cache entries. The controller calls
// this before each config refresh.
func (c *Client) ClearCache() {
	c.cache.Flush()
}

// fetchPage issues one GET against the tag query endpoint.
func (c *Client) fetchPage(ctx context.Context, tags []string, page int) (*listResponse, error) {
	ep, err := c.provider()
	if err != nil {
		return nil, fmt.Errorf("resolving endpoint: %w", err)
	}
	if !ep.ReadConfigured() {
		return nil, fmt.Errorf("pod read endpoint not configured")
	}

	q := url.Values{}
	q.Set("tags", strings.Join(tags, ","))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	u := strings.TrimRight(ep.PodURL, "/") + "/api/pods/digests?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-POD-KEY", ep.PodKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &lr, nil
}
