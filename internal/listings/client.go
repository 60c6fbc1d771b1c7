// Package listings is a thin client for the separate listings service. The
// community service never stores listings; it only fetches a user's active
// listings to enrich public profile responses.
package listings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Listing is the subset of the listings service response surfaced on profiles.
type Listing struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Price     string    `json:"price"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"createdAt"`
}

// Client talks to the listings service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client for the given base URL. Returns nil when baseURL
// is empty, which disables listing enrichment.
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// ListUserListings fetches the active listings owned by the given public user
// identifier.
func (c *Client) ListUserListings(ctx context.Context, publicUserID string) ([]Listing, error) {
	endpoint := fmt.Sprintf("%s/api/listings/?owner=%s", c.baseURL, url.QueryEscape(publicUserID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listings service returned status %d", resp.StatusCode)
	}

	var result []Listing
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode listings response: %w", err)
	}
	return result, nil
}
