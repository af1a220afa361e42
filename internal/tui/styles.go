package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary  = lipgloss.Color("#7D56F4")
	colorAccent   = lipgloss.Color("#04B575")
	colorError    = lipgloss.Color("#FF5F87")
	colorText     = lipgloss.Color("#E4E4E4")
	colorTextDim  = lipgloss.Color("#8A8A8A")
	colorBorder   = lipgloss.Color("#3C3C3C")
	colorSelected = lipgloss.Color("#FFD75F")
)

var (
	headerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	modelNameStyle = lipgloss.NewStyle().
			Foreground(colorAccent)

	hintStyle = lipgloss.NewStyle().
			Foreground(colorTextDim)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(colorAccent).
			Bold(true)

	assistantLabelStyle = lipgloss.NewStyle().
				Foreground(colorPrimary).
				Bold(true)

	userTextStyle = lipgloss.NewStyle().
			Foreground(colorText).
			PaddingLeft(2)

	streamingStyle = lipgloss.NewStyle().
			Foreground(colorText).
			PaddingLeft(2)

	systemStyle = lipgloss.NewStyle().
			Foreground(colorTextDim).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorError)

	inputPanelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPrimary).
			Padding(0, 1)

	pickerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 2)

	pickerItemStyle = lipgloss.NewStyle().
			Foreground(colorText)

	pickerSelectedStyle = lipgloss.NewStyle().
				Foreground(colorSelected).
				Bold(true)
)
