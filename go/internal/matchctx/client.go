// Package matchctx resolves what a veto session is about: which two teams
// play a match and which ruleset (pool, turn order, clock) applies.
package matchctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrMatchNotFound is returned when the match system does not know a ref.
var ErrMatchNotFound = errors.New("match not found")

// Match is the context of one scheduled match.
type Match struct {
	Ref     string `json:"match_ref"`
	TeamAID string `json:"team_a_id"`
	TeamBID string `json:"team_b_id"`
	Ruleset string `json:"ruleset"`
}

// Lookup resolves a match reference.
type Lookup interface {
	LookupMatch(ctx context.Context, ref string) (Match, error)
}

// StaticLookup serves matches from memory. Used by tests and local setups
// without a match service.
type StaticLookup map[string]Match

func (l StaticLookup) LookupMatch(_ context.Context, ref string) (Match, error) {
	m, ok := l[ref]
	if !ok {
		return Match{}, fmt.Errorf("%w: %q", ErrMatchNotFound, ref)
	}
	m.Ref = ref
	return m, nil
}

// Client talks to the tournament/match service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		headers: make(map[string]string),
	}
}

func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// LookupMatch implements Lookup via GET /matches/{ref}.
func (c *Client) LookupMatch(ctx context.Context, ref string) (Match, error) {
	body, status, err := c.makeRequest(ctx, http.MethodGet, "/matches/"+url.PathEscape(ref))
	if err != nil {
		return Match{}, err
	}
	if status == http.StatusNotFound {
		return Match{}, fmt.Errorf("%w: %q", ErrMatchNotFound, ref)
	}
	if status < 200 || status >= 300 {
		return Match{}, fmt.Errorf("match service returned status code: %d, response: %s", status, string(body))
	}

	var m Match
	if err := json.Unmarshal(body, &m); err != nil {
		return Match{}, fmt.Errorf("failed to decode match %q: %w", ref, err)
	}
	if m.Ref == "" {
		m.Ref = ref
	}
	return m, nil
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
