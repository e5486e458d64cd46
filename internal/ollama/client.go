package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const DefaultHost = "http://127.0.0.1:11434"

// Client talks to a locally running Ollama server.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu       sync.Mutex
	cancel   context.CancelFunc // cancel func of the current stream, nil when idle
	streamID uint64
}

type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultHost
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Heartbeat checks that the server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return fmt.Errorf("ollama server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama server returned status %d", resp.StatusCode)
	}
	return nil
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("list models API returned status %d: %s", resp.StatusCode, string(body))
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	return tags.Models, nil
}

// Abort cancels the current in-flight stream, if any. This is a blunt
// cancel; it does not target a specific chat's stream.
func (c *Client) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// setCancel registers a stream's cancel func as the current one and
// returns a token used to release it, so a finished stream cannot clear
// the cancel of a newer one.
func (c *Client) setCancel(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID++
	c.cancel = cancel
	return c.streamID
}

func (c *Client) clearCancel(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == id {
		c.cancel = nil
	}
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}

	return resp, nil
}
