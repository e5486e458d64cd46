package session

import (
	"context"
	"errors"
	"sync"

	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
	"ollama-chat/internal/ollama"
	"ollama-chat/internal/store"
)

// Store is the record-store capability the engine persists through.
type Store interface {
	AddChat(ctx context.Context, chat *models.Chat) (string, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	UpdateChat(ctx context.Context, chat *models.Chat) error
	DeleteChat(ctx context.Context, chatID string) error
	ListChats(ctx context.Context) ([]models.Chat, error)
	AddMessage(ctx context.Context, msg *models.Message) (string, error)
	UpdateMessageContent(ctx context.Context, chatID, messageID, content string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	MessagesByChat(ctx context.Context, chatID string) ([]models.Message, error)
	Clear(ctx context.Context) error
}

// Backend is the model-serving capability the engine streams completions
// from.
type Backend interface {
	ChatStream(ctx context.Context, model string, messages []ollama.ChatMessage) (<-chan ollama.Chunk, <-chan error, error)
	Abort()
}

// Settings is the configuration state the engine consults.
type Settings interface {
	CurrentModel() string
	SetCurrentModel(model string)
	HistoryWindow() int
	CurrentSystemPrompt(model string) string
}

// Engine owns the chat and message state and mediates every mutation
// through the store. One instance serves the whole application; the
// presentation layer reads snapshots and invokes the operations. No
// engine operation returns an error for a failure it can degrade to a
// logged no-op, matching the original behavior of the client.
type Engine struct {
	store    Store
	backend  Backend
	settings Settings

	mu       sync.Mutex
	chats    []models.Chat
	active   *models.Chat
	messages []models.Message
	inflight map[string]string             // chat id -> assistant message id, pendingMessageID until it exists
	cancels  map[string]context.CancelFunc // chat id -> stream cancel

	changes chan struct{}
}

func New(st Store, backend Backend, settings Settings) *Engine {
	return &Engine{
		store:    st,
		backend:  backend,
		settings: settings,
		inflight: make(map[string]string),
		cancels:  make(map[string]context.CancelFunc),
		changes:  make(chan struct{}, 1),
	}
}

// Changes delivers a coalesced signal whenever the engine state mutates.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// Initialize loads the persisted chats, creating a first chat when none
// exist and activating the most recently created one otherwise.
func (e *Engine) Initialize(ctx context.Context) error {
	chats, err := e.store.ListChats(ctx)
	if err != nil {
		logging.Error("initialize: failed to load chats: %v", err)
		return nil
	}

	if len(chats) == 0 {
		return e.StartNewChat(ctx, "New chat")
	}

	e.mu.Lock()
	e.chats = chats
	e.mu.Unlock()
	e.notify()

	return e.SwitchChat(ctx, chats[0].ID)
}

// SwitchChat activates a persisted chat, loads its messages and switches
// the configured current model to the chat's stored model.
func (e *Engine) SwitchChat(ctx context.Context, chatID string) error {
	chat, err := e.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn("switch chat: chat %s not found", chatID)
		} else {
			logging.Error("switch chat: failed to load chat %s: %v", chatID, err)
		}
		return nil
	}

	messages, err := e.store.MessagesByChat(ctx, chatID)
	if err != nil {
		logging.Error("switch chat: failed to load messages for chat %s: %v", chatID, err)
		return nil
	}

	e.mu.Lock()
	e.active = chat
	e.messages = messages
	e.mu.Unlock()

	e.settings.SetCurrentModel(chat.Model)
	e.notify()
	return nil
}

// SwitchModel updates the configured current model and persists it onto
// the active chat, if any. An in-progress stream is left untouched.
func (e *Engine) SwitchModel(ctx context.Context, model string) error {
	e.settings.SetCurrentModel(model)

	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		e.notify()
		return nil
	}
	e.active.Model = model
	chat := *e.active
	for i := range e.chats {
		if e.chats[i].ID == chat.ID {
			e.chats[i].Model = model
		}
	}
	e.mu.Unlock()

	if err := e.store.UpdateChat(ctx, &chat); err != nil {
		logging.Error("switch model: failed to persist model on chat %s: %v", chat.ID, err)
	}
	e.notify()
	return nil
}

// StartNewChat creates and activates a chat with the currently selected
// model, then injects the configured system message as its first message
// when one is set.
func (e *Engine) StartNewChat(ctx context.Context, name string) error {
	chat := models.NewChat(name, e.settings.CurrentModel())
	if _, err := e.store.AddChat(ctx, chat); err != nil {
		logging.Error("new chat: failed to persist chat: %v", err)
		return nil
	}

	e.mu.Lock()
	e.chats = append([]models.Chat{*chat}, e.chats...)
	e.active = chat
	e.messages = nil
	e.mu.Unlock()
	e.notify()

	if prompt := e.settings.CurrentSystemPrompt(chat.Model); prompt != "" {
		sys := models.NewMessage(chat.ID, models.RoleSystem, prompt)
		if _, err := e.store.AddMessage(ctx, sys); err != nil {
			logging.Error("new chat: failed to persist system message: %v", err)
			return nil
		}
		e.appendIfActive(chat.ID, *sys)
		e.notify()
	}

	return nil
}

// RenameChat renames the active chat in memory and in the store, then
// refreshes the chat list.
func (e *Engine) RenameChat(ctx context.Context, newName string) error {
	e.mu.Lock()
	if e.active == nil {
		e.mu.Unlock()
		logging.Warn("rename chat: no active chat")
		return nil
	}
	e.active.Name = newName
	chat := *e.active
	e.mu.Unlock()

	if err := e.store.UpdateChat(ctx, &chat); err != nil {
		logging.Error("rename chat: failed to persist name on chat %s: %v", chat.ID, err)
		return nil
	}

	chats, err := e.store.ListChats(ctx)
	if err != nil {
		logging.Error("rename chat: failed to refresh chat list: %v", err)
		return nil
	}

	e.mu.Lock()
	e.chats = chats
	e.mu.Unlock()
	e.notify()
	return nil
}

// DeleteChat removes a chat and all of its messages. When the deleted
// chat was active, the most recent remaining chat becomes active, or a
// fresh chat is started when none remain.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) error {
	// Stop a stream still running for this chat before its records go.
	e.mu.Lock()
	if cancel, ok := e.cancels[chatID]; ok {
		cancel()
		delete(e.cancels, chatID)
		delete(e.inflight, chatID)
	}
	e.mu.Unlock()

	if err := e.store.DeleteChat(ctx, chatID); err != nil {
		logging.Error("delete chat: failed to delete chat %s: %v", chatID, err)
		return nil
	}

	chats, err := e.store.ListChats(ctx)
	if err != nil {
		logging.Error("delete chat: failed to refresh chat list: %v", err)
		chats = nil
	}

	e.mu.Lock()
	e.chats = chats
	wasActive := e.active != nil && e.active.ID == chatID
	if wasActive {
		e.active = nil
		e.messages = nil
	}
	e.mu.Unlock()
	e.notify()

	if !wasActive {
		return nil
	}
	if len(chats) > 0 {
		return e.SwitchChat(ctx, chats[0].ID)
	}
	return e.StartNewChat(ctx, "New chat")
}

// Chats returns a snapshot of the chat list, most recent first.
func (e *Engine) Chats() []models.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	chats := make([]models.Chat, len(e.chats))
	copy(chats, e.chats)
	return chats
}

// ActiveChat returns a copy of the active chat, or nil when none is
// active.
func (e *Engine) ActiveChat() *models.Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	chat := *e.active
	return &chat
}

// Messages returns a snapshot of the active chat's message list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	messages := make([]models.Message, len(e.messages))
	copy(messages, e.messages)
	return messages
}

// IsStreaming reports whether the chat has an in-flight assistant
// response.
func (e *Engine) IsStreaming(chatID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[chatID]
	return ok
}

// StreamingChats returns the ids of every chat with an in-flight
// response.
func (e *Engine) StreamingChats() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.inflight))
	for id := range e.inflight {
		ids = append(ids, id)
	}
	return ids
}

// appendIfActive appends a message to the visible list only when the
// owning chat is still the active one.
func (e *Engine) appendIfActive(chatID string, msg models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil && e.active.ID == chatID {
		e.messages = append(e.messages, msg)
	}
}
