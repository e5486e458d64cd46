package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"models":[{"name":"llama3:8b","size":4661224676},{"name":"mistral:7b","size":4109865159}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:8b", models[0].Name)
	assert.Equal(t, int64(4661224676), models[0].Size)
}

func TestListModelsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.ListModels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestHeartbeat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "Ollama is running")
	}))
	defer server.Close()

	client := NewClient(server.URL)
	require.NoError(t, client.Heartbeat(context.Background()))
}

func streamHandler(t *testing.T, lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}
}

func TestChatStream(t *testing.T) {
	server := httptest.NewServer(streamHandler(t, []string{
		`{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"model":"llama3","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
	}))
	defer server.Close()

	client := NewClient(server.URL)
	chunks, errs, err := client.ChatStream(context.Background(), "llama3", []ChatMessage{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	var content string
	var doneCount int
	for chunk := range chunks {
		content += chunk.Content
		if chunk.Done {
			doneCount++
		}
	}

	assert.Equal(t, "Hello", content)
	assert.Equal(t, 1, doneCount, "done flag must be observed exactly once")

	err, ok := <-errs
	if ok {
		require.NoError(t, err)
	}
}

func TestChatStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, _, err := client.ChatStream(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestAbortStopsStream(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"Hel"},"done":false}`)
		flusher.Flush()
		// Hold the stream open until the client goes away.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	client := NewClient(server.URL)
	chunks, errs, err := client.ChatStream(context.Background(), "llama3", []ChatMessage{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	chunk := <-chunks
	assert.Equal(t, "Hel", chunk.Content)
	assert.False(t, chunk.Done)

	client.Abort()

	// Cancellation closes both channels without surfacing an error.
	deadline := time.After(2 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case _, ok := <-chunks:
			if !ok {
				chunks = nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("stream did not shut down after abort")
		}
	}
}
