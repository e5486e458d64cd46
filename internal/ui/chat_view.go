package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
	"ollama-chat/internal/session"
)

const (
	titleHeight    = 3
	textareaHeight = 5
	helpHeight     = 2
	chromePadding  = 2
)

// EngineUpdated signals that the engine state changed and snapshots
// should be re-read.
type EngineUpdated struct{}

// ResponseFinished is sent when a send or regenerate operation returns.
type ResponseFinished struct{}

// BackToChatList is sent when the user leaves the chat view.
type BackToChatList struct{}

type ChatViewModel struct {
	engine   *session.Engine
	chat     models.Chat
	messages []models.Message

	viewport   viewport.Model
	textarea   textarea.Model
	spinner    spinner.Model
	titleInput textinput.Model
	mdRenderer *glamour.TermRenderer

	editingTitle bool
	streaming    bool
	width        int
	height       int
}

// WaitForUpdate blocks on the engine's change channel and converts the
// signal into a bubbletea message. The caller re-issues it after every
// EngineUpdated.
func WaitForUpdate(engine *session.Engine) tea.Cmd {
	return func() tea.Msg {
		<-engine.Changes()
		return EngineUpdated{}
	}
}

// createMarkdownRenderer creates a markdown renderer with fallback handling
func createMarkdownRenderer(width int) *glamour.TermRenderer {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-10),
	)
	if err == nil {
		return renderer
	}

	logging.Error("Failed to create markdown renderer with auto style: %v, trying fallback", err)

	renderer, err = glamour.NewTermRenderer(
		glamour.WithWordWrap(width - 10),
	)
	if err == nil {
		return renderer
	}

	renderer, err = glamour.NewTermRenderer()
	if err != nil {
		logging.Error("Failed to create basic markdown renderer: %v", err)
		return nil
	}
	return renderer
}

func NewChatViewModel(engine *session.Engine, width, height int) ChatViewModel {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.Focus()
	ta.CharLimit = 4000
	ta.SetWidth(width - 4)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	viewportHeight := height - titleHeight - textareaHeight - helpHeight - chromePadding
	vp := viewport.New(width-4, viewportHeight)
	vp.MouseWheelDelta = 2

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = SpinnerStyle

	ti := textinput.New()
	ti.CharLimit = 100

	m := ChatViewModel{
		engine:     engine,
		viewport:   vp,
		textarea:   ta,
		spinner:    sp,
		titleInput: ti,
		mdRenderer: createMarkdownRenderer(width),
		width:      width,
		height:     height,
	}
	m.Refresh()
	return m
}

func (m ChatViewModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

// Refresh re-reads the engine snapshots and re-renders the transcript.
func (m *ChatViewModel) Refresh() {
	if chat := m.engine.ActiveChat(); chat != nil {
		m.chat = *chat
	}
	m.messages = m.engine.Messages()
	m.streaming = m.engine.IsStreaming(m.chat.ID)
	m.renderMessages()
}

func (m ChatViewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - titleHeight - textareaHeight - helpHeight - chromePadding
		m.textarea.SetWidth(msg.Width - 4)
		m.mdRenderer = createMarkdownRenderer(msg.Width)
		m.renderMessages()
		return m, nil

	case tea.KeyMsg:
		if m.editingTitle {
			switch msg.String() {
			case "enter":
				name := strings.TrimSpace(m.titleInput.Value())
				m.editingTitle = false
				m.textarea.Focus()
				if name == "" || name == m.chat.Name {
					return m, nil
				}
				return m, m.renameChat(name)
			case "esc":
				m.editingTitle = false
				m.textarea.Focus()
				return m, nil
			}
			var cmd tea.Cmd
			m.titleInput, cmd = m.titleInput.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "ctrl+x":
			return m, tea.Quit

		case "esc":
			if m.streaming {
				m.engine.Abort()
				return m, nil
			}
			return m, func() tea.Msg { return BackToChatList{} }

		case "enter":
			content := strings.TrimSpace(m.textarea.Value())
			if content == "" || m.streaming {
				return m, nil
			}
			m.textarea.Reset()
			return m, m.sendMessage(content)

		case "ctrl+r":
			if m.streaming {
				return m, nil
			}
			return m, m.regenerate()

		case "ctrl+t":
			m.editingTitle = true
			m.titleInput.SetValue(m.chat.Name)
			m.titleInput.Focus()
			m.textarea.Blur()
			return m, textinput.Blink
		}

	case EngineUpdated:
		m.Refresh()
		return m, nil

	case ResponseFinished:
		m.Refresh()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	if !m.streaming && !m.editingTitle {
		var cmd tea.Cmd
		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m ChatViewModel) sendMessage(content string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		if err := engine.SendMessage(context.Background(), content); err != nil {
			logging.Error("send message: %v", err)
		}
		return ResponseFinished{}
	}
}

func (m ChatViewModel) regenerate() tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		if err := engine.Regenerate(context.Background()); err != nil {
			logging.Error("regenerate: %v", err)
		}
		return ResponseFinished{}
	}
}

func (m ChatViewModel) renameChat(name string) tea.Cmd {
	engine := m.engine
	return func() tea.Msg {
		if err := engine.RenameChat(context.Background(), name); err != nil {
			logging.Error("rename chat: %v", err)
		}
		return EngineUpdated{}
	}
}

func (m *ChatViewModel) renderMessages() {
	var b strings.Builder

	for i, msg := range m.messages {
		label, style := roleLabel(msg.Role)
		b.WriteString(style.Render(label))
		b.WriteString(" ")
		b.WriteString(TimestampStyle.Render(msg.CreatedAt.Format("15:04:05")))
		b.WriteString("\n")

		content := msg.Content
		isLast := i == len(m.messages)-1
		if msg.Role == models.RoleAssistant && !(m.streaming && isLast) {
			content = m.renderMarkdown(content)
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}

	wasAtBottom := m.viewport.AtBottom()
	m.viewport.SetContent(b.String())
	if m.streaming || wasAtBottom {
		m.viewport.GotoBottom()
	}
}

func roleLabel(role string) (string, lipgloss.Style) {
	switch role {
	case models.RoleUser:
		return "You", UserMessageLabelStyle
	case models.RoleAssistant:
		return "Assistant", AssistantMessageLabelStyle
	default:
		return "System", SystemMessageLabelStyle
	}
}

// renderMarkdown renders assistant markdown, falling back to plain text.
func (m *ChatViewModel) renderMarkdown(content string) string {
	if m.mdRenderer == nil || content == "" {
		return content
	}

	rendered, err := m.mdRenderer.Render(content)
	if err != nil {
		logging.Error("Markdown rendering error: %v, falling back to plain text", err)
		return content
	}
	return strings.TrimRight(rendered, "\n")
}

func (m ChatViewModel) View() string {
	var b strings.Builder

	if m.editingTitle {
		b.WriteString(TitleWithPaddingStyle.Render("Rename: ") + m.titleInput.View() + "\n")
	} else {
		b.WriteString(TitleWithPaddingStyle.Render(m.chat.Name) + "\n")
	}

	statusLine := fmt.Sprintf("Model: %s | Messages: %d", m.chat.Model, len(m.messages))
	if m.streaming {
		statusLine += " | " + m.spinner.View() + " Thinking..."
	}
	b.WriteString(statusBarStyle.Render(statusLine) + "\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	b.WriteString(m.textarea.View() + "\n")

	helpText := "Enter: Send • Ctrl+R: Regenerate • Ctrl+T: Rename • Esc: " + escHint(m.streaming) + " • Ctrl+X: Exit"
	b.WriteString(helpStyle.Render(helpText))

	return b.String()
}

func escHint(streaming bool) string {
	if streaming {
		return "Stop"
	}
	return "Back"
}
