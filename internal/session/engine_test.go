package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
	"ollama-chat/internal/ollama"
	"ollama-chat/internal/store"
)

type fakeSettings struct {
	mu      sync.Mutex
	model   string
	window  int
	prompts map[string]string
}

func (s *fakeSettings) CurrentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *fakeSettings) SetCurrentModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

func (s *fakeSettings) HistoryWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *fakeSettings) CurrentSystemPrompt(model string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[model]
}

// fakeBackend streams a scripted chunk sequence. When gate is set, one
// token must be received from it before each chunk is delivered, which
// lets tests freeze a stream mid-flight. When failWith is set, the
// scripted chunks are followed by a terminal error before both channels
// close, mimicking a mid-stream connection failure.
type fakeBackend struct {
	mu       sync.Mutex
	chunks   []ollama.Chunk
	gate     chan struct{}
	failWith error
	calls    [][]ollama.ChatMessage
	aborted  bool
}

func (b *fakeBackend) ChatStream(ctx context.Context, model string, messages []ollama.ChatMessage) (<-chan ollama.Chunk, <-chan error, error) {
	b.mu.Lock()
	history := make([]ollama.ChatMessage, len(messages))
	copy(history, messages)
	b.calls = append(b.calls, history)
	chunks := b.chunks
	gate := b.gate
	failWith := b.failWith
	b.mu.Unlock()

	out := make(chan ollama.Chunk)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)
		for _, chunk := range chunks {
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if failWith != nil {
			errs <- failWith
		}
	}()

	return out, errs, nil
}

func (b *fakeBackend) Abort() {
	b.mu.Lock()
	b.aborted = true
	b.mu.Unlock()
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) call(i int) []ollama.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[i]
}

func (b *fakeBackend) setChunks(chunks []ollama.Chunk) {
	b.mu.Lock()
	b.chunks = chunks
	b.mu.Unlock()
}

func helloChunks() []ollama.Chunk {
	return []ollama.Chunk{
		{Content: "Hel"},
		{Content: "lo"},
		{Done: true},
	}
}

func newTestEngine(t *testing.T, settings *fakeSettings) (*Engine, *fakeBackend, *store.Store) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	backend := &fakeBackend{chunks: helloChunks()}
	return New(st, backend, settings), backend, st
}

func TestInitializeFreshCreatesFirstChat(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))

	chats := engine.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "New chat", chats[0].Name)
	assert.Equal(t, "llama3", chats[0].Model)

	active := engine.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, chats[0].ID, active.ID)
	assert.Empty(t, engine.Messages())

	persisted, err := st.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
}

func TestInitializeInjectsSystemPrompt(t *testing.T) {
	settings := &fakeSettings{
		model:   "llama3",
		window:  5,
		prompts: map[string]string{"llama3": "Be terse."},
	}
	engine, _, _ := newTestEngine(t, settings)

	require.NoError(t, engine.Initialize(context.Background()))

	messages := engine.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleSystem, messages[0].Role)
	assert.Equal(t, "Be terse.", messages[0].Content)
}

func TestInitializeActivatesMostRecentChat(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.StartNewChat(ctx, "first"))
	time.Sleep(time.Millisecond)
	require.NoError(t, engine.StartNewChat(ctx, "second"))

	restarted := New(st, &fakeBackend{}, settings)
	require.NoError(t, restarted.Initialize(ctx))

	active := restarted.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, "second", active.Name)
	assert.Len(t, restarted.Chats(), 2)
}

func TestSendMessageStreamsResponse(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	require.NoError(t, engine.SendMessage(ctx, "hi"))

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "hi", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hello", messages[1].Content)

	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "Hello", persisted[1].Content)

	assert.False(t, engine.IsStreaming(chat.ID))
	assert.Empty(t, engine.StreamingChats())

	// History sent to the backend is the user turn only.
	require.Equal(t, 1, backend.callCount())
	history := backend.call(0)
	require.Len(t, history, 1)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
}

func TestSendMessageWithoutActiveChatIsNoOp(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.SendMessage(ctx, "hi"))

	assert.Zero(t, backend.callCount())
	chats, err := st.ListChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)
}

func TestSendMessageRejectedWhileStreaming(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	backend.gate = make(chan struct{})
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.SendMessage(ctx, "first")
	}()

	require.Eventually(t, func() bool {
		return engine.IsStreaming(chat.ID) && backend.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	// Second send against the same chat must be rejected outright.
	require.NoError(t, engine.SendMessage(ctx, "second"))

	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 2) // first send's user + assistant pair only
	assert.Equal(t, 1, backend.callCount())

	close(backend.gate)
	<-done

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[1].Content)
}

// userMessageGateStore blocks user-message inserts until released, so
// tests can hold a send mid-persist and race other operations against it.
type userMessageGateStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (s *userMessageGateStore) AddMessage(ctx context.Context, msg *models.Message) (string, error) {
	if msg.Role == models.RoleUser {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.Store.AddMessage(ctx, msg)
}

func newGatedEngine(t *testing.T, settings *fakeSettings) (*Engine, *fakeBackend, *store.Store, *userMessageGateStore) {
	t.Helper()

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gated := &userMessageGateStore{
		Store:   st,
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	backend := &fakeBackend{chunks: helloChunks()}
	return New(gated, backend, settings), backend, st, gated
}

func TestConcurrentSendsPersistExactlyOneTurn(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st, gated := newGatedEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	first := make(chan struct{})
	go func() {
		defer close(first)
		engine.SendMessage(ctx, "one")
	}()
	<-gated.entered // first send is mid-persist, slot already reserved

	// A racing send must be rejected before it writes anything, and
	// without waiting on the first send's store write.
	second := make(chan struct{})
	go func() {
		defer close(second)
		engine.SendMessage(ctx, "two")
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("racing send was not rejected while the slot was held")
	}

	close(gated.release)
	<-first

	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, models.RoleUser, persisted[0].Role)
	assert.Equal(t, "one", persisted[0].Content)
	assert.Equal(t, models.RoleAssistant, persisted[1].Role)
	assert.Equal(t, "Hello", persisted[1].Content)
	assert.Equal(t, 1, backend.callCount())
}

func TestRegenerateRejectedWhileSendPendingKeepsAssistant(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st, gated := newGatedEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	// Seed a completed turn directly so the gate only holds the racing send.
	_, err := st.AddMessage(ctx, models.NewMessage(chat.ID, models.RoleUser, "hi"))
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = st.AddMessage(ctx, models.NewMessage(chat.ID, models.RoleAssistant, "Hello"))
	require.NoError(t, err)
	require.NoError(t, engine.SwitchChat(ctx, chat.ID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.SendMessage(ctx, "follow-up")
	}()
	<-gated.entered

	// The slot is held, so regenerate must not delete the trailing
	// assistant message.
	require.NoError(t, engine.Regenerate(ctx))

	close(gated.release)
	<-done

	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 4)
	assert.Equal(t, models.RoleAssistant, persisted[1].Role)
	assert.Equal(t, "Hello", persisted[1].Content)
	assert.Equal(t, "follow-up", persisted[2].Content)
	assert.Equal(t, 1, backend.callCount())
}

func TestBackendFailureMidStreamIsLogged(t *testing.T) {
	logDir := t.TempDir()
	require.NoError(t, logging.InitLogger(logDir))
	t.Cleanup(logging.Close)

	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	backend.mu.Lock()
	backend.chunks = []ollama.Chunk{{Content: "Hel"}}
	backend.failWith = errors.New("connection reset")
	backend.mu.Unlock()
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	require.NoError(t, engine.SendMessage(ctx, "hi"))

	// Partial content survives the failure and the slot is released.
	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
	assert.Equal(t, "Hel", persisted[1].Content)
	assert.False(t, engine.IsStreaming(chat.ID))

	logPath := filepath.Join(logDir, fmt.Sprintf("ollama-chat-%s.log", time.Now().Format("2006-01-02")))
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "failed mid-stream")
	assert.Contains(t, string(data), "connection reset")
}

func TestAbortMidStreamKeepsPartialContent(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	gate := make(chan struct{})
	backend.gate = gate
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.SendMessage(ctx, "hi")
	}()

	gate <- struct{}{} // let exactly one chunk through

	require.Eventually(t, func() bool {
		messages, err := st.MessagesByChat(ctx, chat.ID)
		return err == nil && len(messages) == 2 && messages[1].Content == "Hel"
	}, time.Second, 5*time.Millisecond)

	engine.Abort()
	<-done

	messages, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hel", messages[1].Content)
	assert.False(t, engine.IsStreaming(chat.ID))

	backend.mu.Lock()
	aborted := backend.aborted
	backend.mu.Unlock()
	assert.True(t, aborted)
}

func TestRegenerateReplacesAssistantMessage(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)
	require.NoError(t, engine.SendMessage(ctx, "hi"))

	firstID := engine.Messages()[1].ID

	backend.setChunks([]ollama.Chunk{{Content: "Hi"}, {Content: "!"}, {Done: true}})
	require.NoError(t, engine.Regenerate(ctx))

	messages := engine.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Hi!", messages[1].Content)
	assert.NotEqual(t, firstID, messages[1].ID)

	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 2)

	// The replay sends the surviving user history, no new user message.
	require.Equal(t, 2, backend.callCount())
	history := backend.call(1)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Content)
}

func TestRegenerateAfterUserMessageIsNoOp(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, backend, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	_, err := st.AddMessage(ctx, models.NewMessage(chat.ID, models.RoleUser, "dangling"))
	require.NoError(t, err)
	require.NoError(t, engine.SwitchChat(ctx, chat.ID))

	require.NoError(t, engine.Regenerate(ctx))

	assert.Zero(t, backend.callCount())
	persisted, err := st.MessagesByChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestDeleteChatCascadesAndFallsBack(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.StartNewChat(ctx, "first"))
	first := engine.ActiveChat()
	require.NotNil(t, first)
	require.NoError(t, engine.SendMessage(ctx, "hi"))

	time.Sleep(time.Millisecond)
	require.NoError(t, engine.StartNewChat(ctx, "second"))
	second := engine.ActiveChat()
	require.NotNil(t, second)

	// Deleting the active chat activates the most recent remaining one.
	require.NoError(t, engine.DeleteChat(ctx, second.ID))
	active := engine.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)

	// Deleting the last chat starts a fresh one; no messages survive.
	require.NoError(t, engine.DeleteChat(ctx, first.ID))
	orphans, err := st.MessagesByChat(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	chats := engine.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "New chat", chats[0].Name)
	active = engine.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, chats[0].ID, active.ID)
}

func TestActiveChatAlwaysBelongsToChatList(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, _ := newTestEngine(t, settings)
	ctx := context.Background()

	checkInvariant := func() {
		t.Helper()
		active := engine.ActiveChat()
		if active == nil {
			return
		}
		for _, chat := range engine.Chats() {
			if chat.ID == active.ID {
				return
			}
		}
		t.Fatalf("active chat %s not in chat list", active.ID)
	}

	require.NoError(t, engine.Initialize(ctx))
	checkInvariant()

	require.NoError(t, engine.StartNewChat(ctx, "a"))
	checkInvariant()
	a := engine.ActiveChat()

	require.NoError(t, engine.StartNewChat(ctx, "b"))
	checkInvariant()

	require.NoError(t, engine.SwitchChat(ctx, a.ID))
	checkInvariant()

	require.NoError(t, engine.DeleteChat(ctx, a.ID))
	checkInvariant()

	require.NoError(t, engine.SwitchChat(ctx, "no-such-chat"))
	checkInvariant()
}

func TestSwitchModelPersistsOnActiveChat(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	require.NoError(t, engine.SwitchModel(ctx, "mistral"))

	assert.Equal(t, "mistral", settings.CurrentModel())
	active := engine.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, "mistral", active.Model)

	persisted, err := st.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "mistral", persisted.Model)
}

func TestSwitchChatSwitchesCurrentModel(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, _ := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.StartNewChat(ctx, "first"))
	first := engine.ActiveChat()
	require.NotNil(t, first)

	settings.SetCurrentModel("mistral")
	time.Sleep(time.Millisecond)
	require.NoError(t, engine.StartNewChat(ctx, "second"))

	require.NoError(t, engine.SwitchChat(ctx, first.ID))
	assert.Equal(t, "llama3", settings.CurrentModel())
}

func TestRenameChatRefreshesList(t *testing.T) {
	settings := &fakeSettings{model: "llama3", window: 5}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	require.NoError(t, engine.RenameChat(ctx, "ideas"))

	active := engine.ActiveChat()
	require.NotNil(t, active)
	assert.Equal(t, "ideas", active.Name)

	persisted, err := st.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "ideas", persisted.Name)

	chats := engine.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "ideas", chats[0].Name)
}

func TestBuildHistoryWindow(t *testing.T) {
	settings := &fakeSettings{
		model:   "llama3",
		window:  2,
		prompts: map[string]string{"llama3": "Be terse."},
	}
	engine, _, st := newTestEngine(t, settings)
	ctx := context.Background()

	require.NoError(t, engine.Initialize(ctx))
	chat := engine.ActiveChat()
	require.NotNil(t, chat)

	for _, content := range []string{"one", "two", "three"} {
		msg := models.NewMessage(chat.ID, models.RoleUser, content)
		_, err := st.AddMessage(ctx, msg)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	history, err := engine.buildHistory(ctx, chat.ID)
	require.NoError(t, err)

	// System prompt is prepended when it falls outside the window.
	require.Len(t, history, 3)
	assert.Equal(t, models.RoleSystem, history[0].Role)
	assert.Equal(t, "two", history[1].Content)
	assert.Equal(t, "three", history[2].Content)

	settings.mu.Lock()
	settings.window = 0
	settings.mu.Unlock()

	history, err = engine.buildHistory(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleSystem, history[0].Role)
}
