package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tomaslejdung/roomcast/pkg/session"
	"github.com/tomaslejdung/roomcast/pkg/signalstore"
)

const maxLogLines = 8

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	activeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

// uiEvent carries either a notification line or a room status snapshot
// into the TUI.
type uiEvent struct {
	note   string
	level  session.Level
	status *signalstore.RoomStatus
}

// tickMsg refreshes the role/phase readout.
type tickMsg time.Time

// opDoneMsg reports the result of a start/stop operation.
type opDoneMsg struct{ err error }

type model struct {
	ctrl   *session.Controller
	config Config
	events chan uiEvent

	roomStatus signalstore.RoomStatus
	logLines   []string
	quitting   bool
}

func waitForEvent(events chan uiEvent) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case uiEvent:
		if msg.status != nil {
			m.roomStatus = *msg.status
		}
		if msg.note != "" {
			m.logLines = append(m.logLines, renderNote(msg.level, msg.note))
			if len(m.logLines) > maxLogLines {
				m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
			}
		}
		return m, waitForEvent(m.events)

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tick()

	case opDoneMsg:
		// Outcome already surfaced through the notification stream.
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "s":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			return opDoneMsg{err: ctrl.StartStreaming(context.Background())}
		}

	case "x":
		ctrl := m.ctrl
		return m, func() tea.Msg {
			if ctrl.Role() == session.RoleViewer {
				return opDoneMsg{err: ctrl.StopViewing(context.Background())}
			}
			return opDoneMsg{err: ctrl.StopStreaming(context.Background())}
		}
	}
	return m, nil
}

func renderNote(level session.Level, note string) string {
	stamp := dimStyle.Render(time.Now().Format("15:04:05"))
	switch level {
	case session.LevelError:
		return stamp + " " + errorStyle.Render(note)
	case session.LevelSuccess:
		return stamp + " " + successStyle.Render(note)
	default:
		return stamp + " " + note
	}
}

func (m model) View() string {
	if m.quitting {
		return "Leaving the room...\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("roomcast") + dimStyle.Render("  room: "+m.config.Room+"  name: "+m.config.Name))
	b.WriteString("\n\n")

	role := m.ctrl.Role()
	phase := m.ctrl.Phase()
	local := fmt.Sprintf("role: %s  phase: %s", role, phase)
	if role == session.RoleViewer {
		local += "  watching: " + m.ctrl.Watching()
	}
	if phase == session.PhaseActive {
		local = activeStyle.Render(local)
	} else {
		local = statusStyle.Render(local)
	}

	remote := "room: idle"
	if m.roomStatus.IsStreaming {
		name := m.roomStatus.StreamerName
		if name == "" {
			name = m.roomStatus.StreamerID
		}
		remote = "room: live, streamer " + name
	}

	b.WriteString(boxStyle.Render(local+"\n"+statusStyle.Render(remote)) + "\n\n")

	if len(m.logLines) > 0 {
		b.WriteString(strings.Join(m.logLines, "\n") + "\n\n")
	}

	b.WriteString(helpStyle.Render("s start stream • x stop • q quit") + "\n")
	return b.String()
}

// RunTUI drives the interactive status screen until the user quits.
func RunTUI(ctrl *session.Controller, config Config, events chan uiEvent) error {
	p := tea.NewProgram(model{
		ctrl:   ctrl,
		config: config,
		events: events,
	})
	_, err := p.Run()
	return err
}
