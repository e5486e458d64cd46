package session

import (
	"context"
	"errors"
	"strings"

	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
	"ollama-chat/internal/ollama"
)

// pendingMessageID reserves a chat's in-flight slot before the assistant
// message has been persisted. IsStreaming is already true while the slot
// holds this value; it is never a real message id.
const pendingMessageID = ""

// SendMessage persists a user message on the active chat and streams the
// assistant response into a new message, chunk by chunk. It blocks until
// the stream completes, is aborted, or fails; callers that need to stay
// responsive run it from a goroutine and watch Changes(). A send against
// a chat that is already streaming is rejected as a no-op.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		logging.Warn("send: no active chat")
		return nil
	}
	chat := *e.active
	if _, busy := e.inflight[chat.ID]; busy {
		e.mu.Unlock()
		logging.Warn("send: chat %s already has a response in flight", chat.ID)
		return nil
	}
	// Reserve the slot before the first store write so a racing send is
	// rejected without leaving an orphan user message behind.
	e.inflight[chat.ID] = pendingMessageID
	e.mu.Unlock()

	userMsg := models.NewMessage(chat.ID, models.RoleUser, content)
	if _, err := e.store.AddMessage(ctx, userMsg); err != nil {
		logging.Error("send: failed to persist user message: %v", err)
		e.releaseStream(chat.ID)
		return nil
	}
	e.appendIfActive(chat.ID, *userMsg)
	e.notify()

	return e.streamResponse(ctx, chat)
}

// Regenerate deletes the active chat's trailing assistant message and
// streams a replacement from the existing history. A no-op when the last
// message is not an assistant response.
func (e *Engine) Regenerate(ctx context.Context) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		logging.Warn("regenerate: no active chat")
		return nil
	}
	chat := *e.active
	var last *models.Message
	if len(e.messages) > 0 {
		msg := e.messages[len(e.messages)-1]
		last = &msg
	}
	if _, busy := e.inflight[chat.ID]; busy {
		e.mu.Unlock()
		logging.Warn("regenerate: chat %s already has a response in flight", chat.ID)
		return nil
	}
	if last == nil || last.Role != models.RoleAssistant {
		e.mu.Unlock()
		logging.Warn("regenerate: last message of chat %s is not an assistant response", chat.ID)
		return nil
	}
	// Reserve before the delete so a racing send cannot slip in between
	// removing the old response and streaming the new one.
	e.inflight[chat.ID] = pendingMessageID
	e.mu.Unlock()

	if err := e.store.DeleteMessage(ctx, chat.ID, last.ID); err != nil {
		logging.Error("regenerate: failed to delete message %s: %v", last.ID, err)
		e.releaseStream(chat.ID)
		return nil
	}

	e.mu.Lock()
	if e.active != nil && e.active.ID == chat.ID && len(e.messages) > 0 {
		e.messages = e.messages[:len(e.messages)-1]
	}
	e.mu.Unlock()
	e.notify()

	return e.streamResponse(ctx, chat)
}

// Abort cancels every in-flight stream and signals the backend client.
// This is intentionally blunt; it does not target a single chat.
func (e *Engine) Abort() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.cancels = make(map[string]context.CancelFunc)
	e.inflight = make(map[string]string)
	e.mu.Unlock()

	e.backend.Abort()
	e.notify()
}

// releaseStream frees a chat's in-flight slot and cancel entry.
func (e *Engine) releaseStream(chatID string) {
	e.mu.Lock()
	delete(e.inflight, chatID)
	delete(e.cancels, chatID)
	e.mu.Unlock()
	e.notify()
}

// streamResponse streams the assistant reply for a chat whose in-flight
// slot the caller has already reserved. It persists an empty assistant
// message, registers its id and cancel func and appends streamed chunks
// to it until the backend reports completion. Chunks are persisted as
// they arrive; the visible message list is only refreshed while the
// owning chat stays active, so a chat switch mid-stream leaves
// persistence running in the background.
func (e *Engine) streamResponse(ctx context.Context, chat models.Chat) error {
	defer e.releaseStream(chat.ID)

	history, err := e.buildHistory(ctx, chat.ID)
	if err != nil {
		logging.Error("stream: failed to build history for chat %s: %v", chat.ID, err)
		return nil
	}

	assistant := models.NewMessage(chat.ID, models.RoleAssistant, "")
	if _, err := e.store.AddMessage(ctx, assistant); err != nil {
		logging.Error("stream: failed to persist assistant message: %v", err)
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.inflight[chat.ID] = assistant.ID
	e.cancels[chat.ID] = cancel
	if e.active != nil && e.active.ID == chat.ID {
		e.messages = append(e.messages, *assistant)
	}
	e.mu.Unlock()
	e.notify()

	chunks, errs, err := e.backend.ChatStream(streamCtx, chat.Model, history)
	if err != nil {
		logging.Error("stream: failed to open stream for chat %s: %v", chat.ID, err)
		return nil
	}

	var content strings.Builder
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// The producer parks a terminal error before closing
				// both channels; pick it up so the failure is not lost.
				select {
				case err, ok := <-errs:
					if ok && err != nil && !errors.Is(err, context.Canceled) {
						logging.Error("stream: chat %s failed mid-stream: %v", chat.ID, err)
					}
				default:
				}
				return nil
			}
			if chunk.Content != "" {
				content.WriteString(chunk.Content)
				if err := e.store.UpdateMessageContent(ctx, chat.ID, assistant.ID, content.String()); err != nil {
					logging.Error("stream: failed to persist chunk for chat %s: %v", chat.ID, err)
				}
				e.refreshIfActive(ctx, chat.ID)
			}
			if chunk.Done {
				return nil
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil // closed alongside the chunk channel
				continue
			}
			if err == nil || errors.Is(err, context.Canceled) {
				continue
			}
			logging.Error("stream: chat %s failed mid-stream: %v", chat.ID, err)
			return nil

		case <-streamCtx.Done():
			// Aborted. The partial content already persisted stays as-is.
			return nil
		}
	}
}

// buildHistory assembles the bounded context window for a completion: the
// last N messages of the chat, with the chat's system message prepended
// when it would otherwise fall outside the window. N = 0 yields no prior
// context.
func (e *Engine) buildHistory(ctx context.Context, chatID string) ([]ollama.ChatMessage, error) {
	messages, err := e.store.MessagesByChat(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var system *models.Message
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		system = &messages[0]
	}

	window := e.settings.HistoryWindow()
	var windowed []models.Message
	if window > 0 {
		start := len(messages) - window
		if start < 0 {
			start = 0
		}
		windowed = messages[start:]
	}

	history := make([]ollama.ChatMessage, 0, len(windowed)+1)
	if system != nil && (len(windowed) == 0 || windowed[0].ID != system.ID) {
		history = append(history, ollama.ChatMessage{Role: system.Role, Content: system.Content})
	}
	for _, msg := range windowed {
		history = append(history, ollama.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// refreshIfActive reloads the visible message list from the store when
// the given chat is still the active one.
func (e *Engine) refreshIfActive(ctx context.Context, chatID string) {
	e.mu.Lock()
	isActive := e.active != nil && e.active.ID == chatID
	e.mu.Unlock()
	if !isActive {
		return
	}

	messages, err := e.store.MessagesByChat(ctx, chatID)
	if err != nil {
		logging.Error("stream: failed to refresh messages for chat %s: %v", chatID, err)
		return
	}

	e.mu.Lock()
	if e.active != nil && e.active.ID == chatID {
		e.messages = messages
	}
	e.mu.Unlock()
	e.notify()
}
