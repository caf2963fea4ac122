package cmd

import "charm.land/lipgloss/v2"

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A78BFA"))
	stageStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#60A5FA"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	answerStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#A78BFA")).Padding(0, 1)
	rankingStyle = lipgloss.NewStyle().PaddingLeft(2)
)
