// Package ui renders issues for the terminal.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/mschirtzinger/linework/internal/types"
)

// Theme is the color palette for issue rendering. Colors are ANSI 256
// codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color
	Header     lipgloss.Color
	Border     lipgloss.Color

	StatusColors   map[types.Status]lipgloss.Color
	PriorityColors map[types.Priority]lipgloss.Color

	Success lipgloss.Color
	Error   lipgloss.Color
	Loading lipgloss.Color
}

// DefaultTheme targets dark 256-color terminals.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),
	Header:     lipgloss.Color("255"),
	Border:     lipgloss.Color("240"),

	StatusColors: map[types.Status]lipgloss.Color{
		types.StatusBacklog:    lipgloss.Color("245"), // gray
		types.StatusTodo:       lipgloss.Color("75"),  // blue
		types.StatusInProgress: lipgloss.Color("220"), // amber
		types.StatusDone:       lipgloss.Color("114"), // green
		types.StatusCanceled:   lipgloss.Color("196"), // red
	},
	PriorityColors: map[types.Priority]lipgloss.Color{
		types.PriorityNone:   lipgloss.Color("245"),
		types.PriorityLow:    lipgloss.Color("246"),
		types.PriorityMedium: lipgloss.Color("220"),
		types.PriorityHigh:   lipgloss.Color("208"),
		types.PriorityUrgent: lipgloss.Color("196"),
	},

	Success: lipgloss.Color("114"),
	Error:   lipgloss.Color("196"),
	Loading: lipgloss.Color("75"),
}

// StatusColor returns the color for s, FaintText for unknown values.
func (t Theme) StatusColor(s types.Status) lipgloss.Color {
	if c, ok := t.StatusColors[s]; ok {
		return c
	}
	return t.FaintText
}

// PriorityColor returns the color for p, FaintText for unknown values.
func (t Theme) PriorityColor(p types.Priority) lipgloss.Color {
	if c, ok := t.PriorityColors[p]; ok {
		return c
	}
	return t.FaintText
}

var statusLabels = map[types.Status]string{
	types.StatusBacklog:    "Backlog",
	types.StatusTodo:       "Todo",
	types.StatusInProgress: "In Progress",
	types.StatusDone:       "Done",
	types.StatusCanceled:   "Canceled",
}

var statusIcons = map[types.Status]string{
	types.StatusBacklog:    "○",
	types.StatusTodo:       "○",
	types.StatusInProgress: "◐",
	types.StatusDone:       "✓",
	types.StatusCanceled:   "✗",
}

var priorityLabels = map[types.Priority]string{
	types.PriorityNone:   "No Priority",
	types.PriorityLow:    "Low",
	types.PriorityMedium: "Medium",
	types.PriorityHigh:   "High",
	types.PriorityUrgent: "Urgent",
}

var priorityIcons = map[types.Priority]string{
	types.PriorityNone:   "-",
	types.PriorityLow:    "▂",
	types.PriorityMedium: "▂▄",
	types.PriorityHigh:   "▂▄▆",
	types.PriorityUrgent: "!",
}

// StatusLabel returns the display name of s. Unknown or empty statuses
// display as Backlog.
func StatusLabel(s types.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return statusLabels[types.StatusBacklog]
}

// PriorityLabel returns the display name of p. Unknown or empty priorities
// display as No Priority.
func PriorityLabel(p types.Priority) string {
	if l, ok := priorityLabels[p]; ok {
		return l
	}
	return priorityLabels[types.PriorityNone]
}

// PriorityIcon returns the glyph for p.
func PriorityIcon(p types.Priority) string {
	if i, ok := priorityIcons[p]; ok {
		return i
	}
	return priorityIcons[types.PriorityNone]
}

func statusIcon(s types.Status) string {
	if i, ok := statusIcons[s]; ok {
		return i
	}
	return statusIcons[types.StatusBacklog]
}
