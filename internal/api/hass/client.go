// Package hass talks to the home-automation hub: a REST client for state
// queries and service calls, and a websocket listener for the state_changed
// event stream.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is the hub REST client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for the hub at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Configured reports whether hub access is usable at all.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.token != ""
}

// WebSocketURL derives the event-stream endpoint from the REST base URL.
func (c *Client) WebSocketURL() string {
	ws := strings.Replace(c.baseURL, "http", "ws", 1)
	return ws + "/api/websocket"
}

// States fetches the full entity-state snapshot.
func (c *Client) States(ctx context.Context) ([]EntityState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/states", nil)
	if err != nil {
		return nil, fmt.Errorf("build states request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get states: status %d", resp.StatusCode)
	}

	var states []EntityState
	if err := json.NewDecoder(resp.Body).Decode(&states); err != nil {
		return nil, fmt.Errorf("decode states: %w", err)
	}
	return states, nil
}

// CallService invokes a domain-scoped hub service, e.g. switch/turn_on, for
// one entity.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string) error {
	body, err := json.Marshal(map[string]string{"entity_id": entityID})
	if err != nil {
		return fmt.Errorf("encode service call: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build service request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call service %s/%s: %w", domain, service, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("call service %s/%s: status %d", domain, service, resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
}
