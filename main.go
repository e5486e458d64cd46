package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"ollama-chat/internal/config"
	"ollama-chat/internal/logging"
	"ollama-chat/internal/models"
	"ollama-chat/internal/ollama"
	"ollama-chat/internal/session"
	"ollama-chat/internal/store"
	"ollama-chat/internal/ui"
)

type appState int

const (
	stateModelSelect appState = iota
	stateChatList
	stateChatView
)

type model struct {
	state  appState
	engine *session.Engine
	cfg    *config.Config

	// UI models
	modelSelectModel ui.ModelSelectModel
	chatListModel    ui.ChatListModel
	chatViewModel    ui.ChatViewModel

	dataDir string

	// Screen size
	width  int
	height int
}

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}
	dataDir := filepath.Join(homeDir, config.DefaultConfigDir)

	if err := logging.InitLogger(dataDir); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dbPath := filepath.Join(dataDir, "db")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open chat store: %v", err)
	}
	defer st.Close()

	client := ollama.NewClient(cfg.Host)

	ctx := context.Background()
	if err := client.Heartbeat(ctx); err != nil {
		log.Fatalf("Cannot reach the Ollama server at %s: %v", cfg.Host, err)
	}

	modelList, err := client.ListModels(ctx)
	if err != nil {
		log.Fatalf("Failed to list models: %v", err)
	}

	engine := session.New(st, client, cfg)
	if err := engine.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize session engine: %v", err)
	}

	initialModel := model{
		state:   stateModelSelect,
		engine:  engine,
		cfg:     cfg,
		dataDir: dataDir,
		width:   80,
		height:  24,
	}
	initialModel.modelSelectModel = ui.NewModelSelectModel(modelList, 80, 24)
	if cfg.CurrentModel() != "" {
		initialModel.state = stateChatList
		initialModel.chatListModel = ui.NewChatListModel(engine.Chats(), 80, 24)
	}

	p := tea.NewProgram(initialModel, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.currentInit(), ui.WaitForUpdate(m.engine))
}

func (m model) currentInit() tea.Cmd {
	switch m.state {
	case stateModelSelect:
		return m.modelSelectModel.Init()
	case stateChatList:
		return m.chatListModel.Init()
	case stateChatView:
		return m.chatViewModel.Init()
	}
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	ctx := context.Background()

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case ui.EngineUpdated:
		switch m.state {
		case stateChatList:
			m.chatListModel.RefreshChats(m.engine.Chats())
		case stateChatView:
			m.chatViewModel.Refresh()
		}
		return m, ui.WaitForUpdate(m.engine)

	case ui.ModelChosen:
		if err := m.engine.SwitchModel(ctx, msg.Name); err != nil {
			logging.Error("switch model: %v", err)
		}
		if err := config.Save(m.cfg); err != nil {
			logging.Error("save config: %v", err)
		}
		m.state = stateChatList
		m.chatListModel = ui.NewChatListModel(m.engine.Chats(), m.width, m.height)
		return m, m.chatListModel.Init()

	case ui.ChangeModel:
		m.state = stateModelSelect
		return m, m.modelSelectModel.Init()

	case ui.ChatSelected:
		if err := m.engine.SwitchChat(ctx, msg.ChatID); err != nil {
			logging.Error("switch chat: %v", err)
		}
		m.state = stateChatView
		m.chatViewModel = ui.NewChatViewModel(m.engine, m.width, m.height)
		return m, m.chatViewModel.Init()

	case ui.CreateNewChat:
		if err := m.engine.StartNewChat(ctx, "New chat"); err != nil {
			logging.Error("new chat: %v", err)
		}
		m.state = stateChatView
		m.chatViewModel = ui.NewChatViewModel(m.engine, m.width, m.height)
		return m, m.chatViewModel.Init()

	case ui.DeleteChat:
		if err := m.engine.DeleteChat(ctx, msg.ChatID); err != nil {
			logging.Error("delete chat: %v", err)
		}
		m.chatListModel.RefreshChats(m.engine.Chats())
		return m, nil

	case ui.WipeDatabase:
		if err := m.engine.WipeDatabase(ctx); err != nil {
			logging.Error("wipe database: %v", err)
		}
		m.chatListModel.RefreshChats(m.engine.Chats())
		m.chatListModel.SetStatus("Database wiped")
		return m, nil

	case ui.ExportChats:
		m.chatListModel.SetStatus(m.exportChats(ctx))
		return m, nil

	case ui.ImportChats:
		m.chatListModel.SetStatus(m.importChats(ctx))
		m.chatListModel.RefreshChats(m.engine.Chats())
		return m, nil

	case ui.BackToChatList:
		m.state = stateChatList
		m.chatListModel = ui.NewChatListModel(m.engine.Chats(), m.width, m.height)
		return m, m.chatListModel.Init()
	}

	// Delegate to current screen
	switch m.state {
	case stateModelSelect:
		newModel, cmd := m.modelSelectModel.Update(msg)
		m.modelSelectModel = newModel.(ui.ModelSelectModel)
		return m, cmd

	case stateChatList:
		newModel, cmd := m.chatListModel.Update(msg)
		m.chatListModel = newModel.(ui.ChatListModel)
		return m, cmd

	case stateChatView:
		newModel, cmd := m.chatViewModel.Update(msg)
		m.chatViewModel = newModel.(ui.ChatViewModel)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	switch m.state {
	case stateModelSelect:
		return m.modelSelectModel.View()
	case stateChatList:
		return m.chatListModel.View()
	case stateChatView:
		return m.chatViewModel.View()
	}

	return "Loading..."
}

// exportChats writes every chat with its messages to a timestamped json
// file in the data directory and returns a status line for the UI.
func (m model) exportChats(ctx context.Context) string {
	bundles, err := m.engine.ExportChats(ctx)
	if err != nil {
		logging.Error("export: %v", err)
		return "Export failed, see log"
	}

	data, err := json.MarshalIndent(bundles, "", "  ")
	if err != nil {
		logging.Error("export: failed to marshal bundles: %v", err)
		return "Export failed, see log"
	}

	path := filepath.Join(m.dataDir, fmt.Sprintf("chats-export-%s.json", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.Error("export: failed to write %s: %v", path, err)
		return "Export failed, see log"
	}

	return fmt.Sprintf("Exported %d chats to %s", len(bundles), path)
}

// importChats reads chat bundles from chats-import.json in the data
// directory and recreates them under fresh ids.
func (m model) importChats(ctx context.Context) string {
	path := filepath.Join(m.dataDir, "chats-import.json")
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Error("import: failed to read %s: %v", path, err)
		return fmt.Sprintf("Place a bundle file at %s first", path)
	}

	var bundles []models.ChatBundle
	if err := json.Unmarshal(data, &bundles); err != nil {
		logging.Error("import: failed to parse %s: %v", path, err)
		return "Import failed, see log"
	}

	if err := m.engine.ImportChats(ctx, bundles); err != nil {
		logging.Error("import: %v", err)
		return "Import failed, see log"
	}

	return fmt.Sprintf("Imported %d chats", len(bundles))
}
