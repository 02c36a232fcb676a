package main

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/drunlade/go-rudp/rudp"
)

var (
	HeaderStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	InputStyle        = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("205"))
	ErrorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	SenderStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	ReceiverStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	SystemStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	TimestampStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
	ConnectedStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	BusyStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	DisconnectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

func statusStyle(st rudp.Status) lipgloss.Style {
	switch st {
	case rudp.StatusConnected:
		return ConnectedStyle
	case rudp.StatusBusy:
		return BusyStyle
	default:
		return DisconnectedStyle
	}
}

// noteStyle picks the style of a notification line.
func noteStyle(n rudp.Notification) lipgloss.Style {
	switch n.Kind {
	case rudp.NoteText, rudp.NoteFile:
		return ReceiverStyle
	case rudp.NoteError:
		return ErrorStyle
	default:
		return SystemStyle
	}
}
