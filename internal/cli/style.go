package cli

import (
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	good  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	bad   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	dim   = lipgloss.NewStyle().Faint(true)
	label = lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("6"))
)

func msTime(ms int64) time.Time { return time.UnixMilli(ms) }
