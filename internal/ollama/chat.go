package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Model      string      `json:"model"`
	Message    ChatMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason,omitempty"`
}

// Chunk is one increment of a streamed chat completion. Done is true on
// the terminal chunk only.
type Chunk struct {
	Content string
	Done    bool
}

// ChatStream opens a streaming chat completion and returns a channel of
// incremental chunks plus an error channel. Both channels are closed when
// the stream ends. Cancelling the context, directly or through Abort,
// terminates the stream without an error.
func (c *Client) ChatStream(ctx context.Context, model string, messages []ChatMessage) (<-chan Chunk, <-chan error, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}

	resp, err := c.doRequest(streamCtx, http.MethodPost, "/api/chat", req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to make chat request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(body))
	}

	streamID := c.setCancel(cancel)

	chunkChan := make(chan Chunk, 10)
	errChan := make(chan error, 1)

	go func() {
		defer resp.Body.Close()
		defer close(chunkChan)
		defer close(errChan)
		defer c.clearCancel(streamID)

		// Responses arrive as newline-delimited JSON objects.
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if streamCtx.Err() != nil {
					return // cancelled, not a failure
				}
				if err != io.EOF {
					errChan <- fmt.Errorf("error reading stream: %w", err)
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			var streamResp chatResponse
			if err := json.Unmarshal([]byte(line), &streamResp); err != nil {
				errChan <- fmt.Errorf("failed to decode stream response: %w", err)
				return
			}

			select {
			case chunkChan <- Chunk{Content: streamResp.Message.Content, Done: streamResp.Done}:
			case <-streamCtx.Done():
				return
			}

			if streamResp.Done {
				return
			}
		}
	}()

	return chunkChan, errChan, nil
}
