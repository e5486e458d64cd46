package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"ollama-chat/internal/ollama"
)

type ModelSelectModel struct {
	list   list.Model
	models []ollama.Model
	width  int
	height int
}

type modelItem struct {
	model ollama.Model
}

func (i modelItem) Title() string { return i.model.Name }
func (i modelItem) Description() string {
	return fmt.Sprintf("Size: %s | Modified: %s", humanSize(i.model.Size), i.model.ModifiedAt.Format("2006-01-02 15:04"))
}
func (i modelItem) FilterValue() string { return i.model.Name }

// ModelChosen is sent when the user picks a model.
type ModelChosen struct {
	Name string
}

func NewModelSelectModel(models []ollama.Model, width, height int) ModelSelectModel {
	items := make([]list.Item, len(models))
	for i, m := range models {
		items[i] = modelItem{model: m}
	}

	l := list.New(items, list.NewDefaultDelegate(), width, height-4)
	l.Title = "Select Model"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)

	return ModelSelectModel{
		list:   l,
		models: models,
		width:  width,
		height: height,
	}
}

func (m ModelSelectModel) Init() tea.Cmd {
	return nil
}

func (m ModelSelectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+x":
			return m, tea.Quit

		case "enter":
			selectedItem := m.list.SelectedItem()
			if selectedItem == nil {
				return m, nil
			}
			chosen := selectedItem.(modelItem).model.Name
			return m, func() tea.Msg {
				return ModelChosen{Name: chosen}
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m ModelSelectModel) View() string {
	return m.list.View()
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
