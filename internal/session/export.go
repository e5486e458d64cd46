package session

import (
	"context"
	"fmt"
	"time"

	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
)

// ExportChats produces a self-contained bundle for every persisted chat:
// the chat record plus its full message list.
func (e *Engine) ExportChats(ctx context.Context) ([]models.ChatBundle, error) {
	chats, err := e.store.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to export chats: %w", err)
	}

	bundles := make([]models.ChatBundle, 0, len(chats))
	for _, chat := range chats {
		messages, err := e.store.MessagesByChat(ctx, chat.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to export messages of chat %s: %w", chat.ID, err)
		}
		bundles = append(bundles, models.ChatBundle{Chat: chat, Messages: messages})
	}

	return bundles, nil
}

// ImportChats recreates each bundle's chat and messages under fresh store
// ids, strictly sequentially so insertion order is deterministic. Bundles
// are not deduplicated against existing chats. A bundle chat without a
// timestamp falls back to its first message's timestamp.
func (e *Engine) ImportChats(ctx context.Context, bundles []models.ChatBundle) error {
	for _, bundle := range bundles {
		createdAt := bundle.Chat.CreatedAt
		if createdAt.IsZero() && len(bundle.Messages) > 0 {
			createdAt = bundle.Messages[0].CreatedAt
		}
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		chat := &models.Chat{
			Name:      bundle.Chat.Name,
			Model:     bundle.Chat.Model,
			CreatedAt: createdAt,
		}
		if _, err := e.store.AddChat(ctx, chat); err != nil {
			logging.Error("import: failed to persist chat %q: %v", bundle.Chat.Name, err)
			continue
		}

		for _, msg := range bundle.Messages {
			ts := msg.CreatedAt
			if ts.IsZero() {
				ts = createdAt
			}
			record := &models.Message{
				ChatID:    chat.ID,
				Role:      msg.Role,
				Content:   msg.Content,
				Meta:      msg.Meta,
				CreatedAt: ts,
			}
			if _, err := e.store.AddMessage(ctx, record); err != nil {
				logging.Error("import: failed to persist message for chat %q: %v", bundle.Chat.Name, err)
			}
		}
	}

	chats, err := e.store.ListChats(ctx)
	if err != nil {
		logging.Error("import: failed to refresh chat list: %v", err)
		return nil
	}

	e.mu.Lock()
	e.chats = chats
	e.mu.Unlock()
	e.notify()
	return nil
}

// WipeDatabase clears every chat and message, resets the in-memory state
// and starts a fresh chat.
func (e *Engine) WipeDatabase(ctx context.Context) error {
	e.Abort()

	if err := e.store.Clear(ctx); err != nil {
		logging.Error("wipe: failed to clear store: %v", err)
		return nil
	}

	e.mu.Lock()
	e.chats = nil
	e.active = nil
	e.messages = nil
	e.mu.Unlock()
	e.notify()

	return e.StartNewChat(ctx, "New chat")
}
