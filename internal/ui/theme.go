package ui

import (
	"github.com/charmbracelet/lipgloss"
	tint "github.com/lrstanley/bubbletint"
)

// Theme registry for the application
var Theme *tint.Registry

// Common style elements used across all views
var (
	TitleStyle                   lipgloss.Style
	TitleWithPaddingStyle        lipgloss.Style
	errorStyle                   lipgloss.Style
	statusBarStyle               lipgloss.Style
	helpStyle                    lipgloss.Style
	UserMessageLabelStyle        lipgloss.Style
	AssistantMessageLabelStyle   lipgloss.Style
	SystemMessageLabelStyle      lipgloss.Style
	TimestampStyle               lipgloss.Style
	SpinnerStyle                 lipgloss.Style
	ConfirmBorderStyle           lipgloss.Style
	ConfirmTitleStyle            lipgloss.Style
	ActiveButtonStyle            lipgloss.Style
	InactiveButtonStyle          lipgloss.Style
)

func init() {
	// Initialize with Tint theme
	tint.NewDefaultRegistry()
	tint.SetTint(tint.TintChalk)
	Theme = tint.DefaultRegistry

	TitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Purple())

	TitleWithPaddingStyle = TitleStyle.
		Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
		Foreground(tint.Red()).
		Bold(true)

	statusBarStyle = lipgloss.NewStyle().
		Foreground(tint.BrightBlack()).
		Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
		Foreground(tint.BrightBlack())

	UserMessageLabelStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Green())

	AssistantMessageLabelStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Blue())

	SystemMessageLabelStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Yellow())

	TimestampStyle = lipgloss.NewStyle().
		Foreground(tint.BrightBlack())

	SpinnerStyle = lipgloss.NewStyle().
		Foreground(tint.Purple())

	ConfirmBorderStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tint.Purple()).
		Padding(1, 2)

	ConfirmTitleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Yellow())

	ActiveButtonStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(tint.Bg()).
		Background(tint.Purple()).
		Padding(0, 2)

	InactiveButtonStyle = lipgloss.NewStyle().
		Foreground(tint.Fg()).
		Padding(0, 2)
}
