package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/drunlade/go-rudp/rudp"
)

// --- Bubbletea Messages ---

type (
	noteMsg        rudp.Notification
	notesClosedMsg struct{}
	resultMsg      struct {
		res result
		err error
	}
)

// model is the terminal front end: a scrollback of chat and protocol
// lines, the transfer progress bar and an input line.
type model struct {
	session *rudp.Session
	notes   <-chan rudp.Notification

	input    textinput.Model
	viewport viewport.Model
	progress progress.Model

	lines    []string
	status   rudp.Status
	reason   string
	transfer *rudp.TransferInfo

	width  int
	height int
}

func newModel(s *rudp.Session, width, height int) *model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = SenderStyle.Render("you: ")
	input.CharLimit = 0
	input.Focus()

	m := &model{
		session:  s,
		notes:    s.Notifications(),
		input:    input,
		viewport: viewport.New(width, height),
		progress: progress.New(progress.WithDefaultGradient()),
		status:   s.Status(),
		reason:   "not connected",
	}
	m.appendLine(SystemStyle.Render("Type /connect to reach " + s.Peer().String() + ", /help for commands."))
	m.resize(width, height)
	return m
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForNote(m.notes))
}

// waitForNote turns the next session notification into a tea.Msg.
func waitForNote(ch <-chan rudp.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return notesClosedMsg{}
		}
		return noteMsg(n)
	}
}

// run executes a line off the UI goroutine; /file hashes the whole file.
func (m *model) run(line string) tea.Cmd {
	return func() tea.Msg {
		res, err := execute(m.session, line)
		return resultMsg{res: res, err: err}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line != "" {
				cmds = append(cmds, m.run(line))
			}
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case resultMsg:
		if msg.err != nil {
			m.appendLine(ErrorStyle.Render("error: " + msg.err.Error()))
			break
		}
		if msg.res.echo != "" {
			m.appendLine(SenderStyle.Render("you: ") + msg.res.echo)
		}
		if msg.res.output != "" {
			m.appendLine(SystemStyle.Render(msg.res.output))
		}
		if msg.res.quit {
			return m, tea.Quit
		}

	case noteMsg:
		cmds = append(cmds, m.handleNote(rudp.Notification(msg)), waitForNote(m.notes))

	case notesClosedMsg:
		return m, tea.Quit

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		if p, ok := pm.(progress.Model); ok {
			m.progress = p
		}
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *model) handleNote(n rudp.Notification) tea.Cmd {
	var cmd tea.Cmd
	switch n.Kind {
	case rudp.NoteStatus:
		m.status, m.reason = n.Status, n.Reason
		if n.Status == rudp.StatusDisconnected {
			m.transfer = nil
		}
	case rudp.NoteProgress:
		if n.Transfer.Done {
			m.transfer = nil
		} else {
			info := n.Transfer
			m.transfer = &info
			cmd = m.progress.SetPercent(percent(info))
		}
	}

	if line := describe(n); line != "" {
		ts := TimestampStyle.Render(time.Now().Format("15:04:05"))
		m.appendLine(ts + " " + noteStyle(n).Render(line))
	}
	m.resize(m.width, m.height)
	return cmd
}

func (m *model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.viewport.SetContent(lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(m.lines, "\n")))
	m.viewport.GotoBottom()
}

// resize lays out header, scrollback, progress bar and input box.
func (m *model) resize(width, height int) {
	m.width, m.height = width, height

	used := lipgloss.Height(m.headerView()) + lipgloss.Height(InputStyle.Render(""))
	if m.transfer != nil {
		used++
	}
	vh := height - used
	if vh < 1 {
		vh = 1
	}
	m.viewport.Width = width
	m.viewport.Height = vh
	m.input.Width = width - 4 - lipgloss.Width(m.input.Prompt)
	m.progress.Width = width / 2
}

func (m *model) headerView() string {
	badge := statusStyle(m.status).Render(m.status.String())
	st := m.session.Settings()
	return HeaderStyle.Render(fmt.Sprintf("%s %s | peer %s | fragment %d | corruption %g%%",
		badge, m.reason, m.session.Peer(), st.FragmentSize, st.CorruptionRate))
}

func (m *model) footerView() string {
	if m.transfer == nil {
		return ""
	}
	t := m.transfer
	name := t.Name
	if name == "" {
		name = t.Kind.String()
	}
	return fmt.Sprintf("%s %s %s %d/%d", m.progress.View(), t.Direction, name, t.Delivered, t.Fragments)
}

func (m *model) View() string {
	parts := []string{m.headerView(), m.viewport.View()}
	if footer := m.footerView(); footer != "" {
		parts = append(parts, footer)
	}
	parts = append(parts, InputStyle.Width(max(m.width-2, 10)).Render(m.input.View()))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// runTUI runs the interactive front end until the user quits or ctx ends.
func runTUI(ctx context.Context, s *rudp.Session, width, height int) error {
	p := tea.NewProgram(newModel(s, width, height), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
