package ui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	overlay "github.com/rmhubbert/bubbletea-overlay"
)

// ConfirmResult is sent when the user answers a confirmation prompt.
type ConfirmResult struct {
	Confirmed bool
	Action    string
	Payload   string
}

// ConfirmModel is a yes/no prompt rendered as an overlay on top of the
// current view.
type ConfirmModel struct {
	question string
	action   string
	payload  string
	yes      bool
	visible  bool
}

func NewConfirmModel() ConfirmModel {
	return ConfirmModel{}
}

func (m *ConfirmModel) Show(question, action, payload string) {
	m.question = question
	m.action = action
	m.payload = payload
	m.yes = false
	m.visible = true
}

func (m *ConfirmModel) Hide() {
	m.visible = false
}

func (m *ConfirmModel) IsVisible() bool {
	return m.visible
}

func (m ConfirmModel) Init() tea.Cmd {
	return nil
}

func (m ConfirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

// UpdateConfirm handles keys while the prompt is visible.
func (m *ConfirmModel) UpdateConfirm(msg tea.Msg) tea.Cmd {
	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok {
		return nil
	}

	switch keyMsg.String() {
	case "left", "right", "tab":
		m.yes = !m.yes
		return nil

	case "y":
		m.visible = false
		return confirmCmd(true, m.action, m.payload)

	case "n", "esc":
		m.visible = false
		return confirmCmd(false, m.action, m.payload)

	case "enter":
		m.visible = false
		return confirmCmd(m.yes, m.action, m.payload)
	}

	return nil
}

func confirmCmd(confirmed bool, action, payload string) tea.Cmd {
	return func() tea.Msg {
		return ConfirmResult{Confirmed: confirmed, Action: action, Payload: payload}
	}
}

func (m ConfirmModel) View() string {
	var b strings.Builder
	b.WriteString(ConfirmTitleStyle.Render(m.question))
	b.WriteString("\n\n")

	yesStyle, noStyle := InactiveButtonStyle, ActiveButtonStyle
	if m.yes {
		yesStyle, noStyle = ActiveButtonStyle, InactiveButtonStyle
	}
	b.WriteString(yesStyle.Render("Yes") + "  " + noStyle.Render("No"))
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("y/n: Answer • ←/→: Toggle • Enter: Confirm • Esc: Cancel"))

	return ConfirmBorderStyle.Render(b.String())
}

// RenderOverlay draws the prompt over the given background view.
func (m ConfirmModel) RenderOverlay(backgroundView string) string {
	if !m.visible {
		return backgroundView
	}

	overlayModel := overlay.New(
		m,
		&staticViewModel{content: backgroundView},
		overlay.Center, // horizontal position
		overlay.Center, // vertical position
		0,
		0,
	)

	return overlayModel.View()
}

// staticViewModel is a simple model that renders static content (background)
type staticViewModel struct {
	content string
}

func (m staticViewModel) Init() tea.Cmd {
	return nil
}

func (m staticViewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

func (m staticViewModel) View() string {
	return m.content
}
