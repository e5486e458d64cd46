package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"ollama-chat/internal/models"
)

type ChatListModel struct {
	list    list.Model
	chats   []models.Chat
	confirm ConfirmModel
	status  string
	width   int
	height  int
}

type chatItem struct {
	chat models.Chat
}

func (i chatItem) Title() string { return i.chat.Name }
func (i chatItem) Description() string {
	return fmt.Sprintf("Created: %s | Model: %s", i.chat.CreatedAt.Format("2006-01-02 15:04"), i.chat.Model)
}
func (i chatItem) FilterValue() string { return i.chat.Name }

// ChatSelected is sent when the user opens a chat.
type ChatSelected struct {
	ChatID string
}

// CreateNewChat is sent when the user asks for a fresh chat.
type CreateNewChat struct{}

// DeleteChat is sent after the user confirms a chat deletion.
type DeleteChat struct {
	ChatID string
}

// WipeDatabase is sent after the user confirms a full wipe.
type WipeDatabase struct{}

// ExportChats is sent when the user asks for an export.
type ExportChats struct{}

// ImportChats is sent when the user asks for an import.
type ImportChats struct{}

// ChangeModel is sent when the user wants to go back to model selection.
type ChangeModel struct{}

func NewChatListModel(chats []models.Chat, width, height int) ChatListModel {
	m := ChatListModel{
		confirm: NewConfirmModel(),
		width:   width,
		height:  height,
	}
	m.list = list.New(nil, list.NewDefaultDelegate(), width, height-4)
	m.list.Title = "Chats"
	m.list.SetShowStatusBar(true)
	m.list.SetFilteringEnabled(true)
	m.RefreshChats(chats)
	return m
}

// RefreshChats replaces the displayed chat list.
func (m *ChatListModel) RefreshChats(chats []models.Chat) {
	m.chats = chats
	items := make([]list.Item, len(chats))
	for i, c := range chats {
		items[i] = chatItem{chat: c}
	}
	m.list.SetItems(items)
}

// SetStatus shows a one-line status note under the list.
func (m *ChatListModel) SetStatus(status string) {
	m.status = status
}

func (m ChatListModel) Init() tea.Cmd {
	return nil
}

func (m ChatListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.confirm.IsVisible() {
		cmd := m.confirm.UpdateConfirm(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case ConfirmResult:
		if !msg.Confirmed {
			return m, nil
		}
		switch msg.Action {
		case "delete":
			chatID := msg.Payload
			return m, func() tea.Msg { return DeleteChat{ChatID: chatID} }
		case "wipe":
			return m, func() tea.Msg { return WipeDatabase{} }
		}
		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}

		switch msg.String() {
		case "ctrl+c", "ctrl+x":
			return m, tea.Quit

		case "enter":
			selectedItem := m.list.SelectedItem()
			if selectedItem == nil {
				return m, nil
			}
			chatID := selectedItem.(chatItem).chat.ID
			return m, func() tea.Msg { return ChatSelected{ChatID: chatID} }

		case "n":
			return m, func() tea.Msg { return CreateNewChat{} }

		case "d":
			selectedItem := m.list.SelectedItem()
			if selectedItem == nil {
				return m, nil
			}
			chat := selectedItem.(chatItem).chat
			m.confirm.Show(fmt.Sprintf("Delete chat %q and all of its messages?", chat.Name), "delete", chat.ID)
			return m, nil

		case "w":
			m.confirm.Show("Wipe the whole database? Every chat will be lost.", "wipe", "")
			return m, nil

		case "e":
			return m, func() tea.Msg { return ExportChats{} }

		case "i":
			return m, func() tea.Msg { return ImportChats{} }

		case "m":
			return m, func() tea.Msg { return ChangeModel{} }
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m ChatListModel) View() string {
	view := m.list.View()
	if m.status != "" {
		view += "\n" + statusBarStyle.Render(m.status)
	}
	view += "\n" + helpStyle.Render("Enter: Open • n: New • d: Delete • e: Export • i: Import • m: Model • w: Wipe • Ctrl+X: Exit")
	return m.confirm.RenderOverlay(view)
}
