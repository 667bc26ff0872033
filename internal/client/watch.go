package client

import (
	"fmt"
	"strings"
	"time"

	"PersonDetection/internal/api/session"
	"PersonDetection/internal/entity"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// maxPollFailures is how many status requests in a row may fail before the
// watch gives up.
const maxPollFailures = 3

type StatusFunc func() (session.StatusResponse, error)

type statusMsg struct {
	status session.StatusResponse
	err    error
}

type pollMsg struct{}

// WatchModel polls a session until it reaches a terminal state and renders
// its progress.
type WatchModel struct {
	fetch    StatusFunc
	interval time.Duration
	bar      progress.Model

	status      session.StatusResponse
	failures    int
	err         error
	done        bool
	interrupted bool
}

func NewWatchModel(fetch StatusFunc, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return WatchModel{
		fetch:    fetch,
		interval: interval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m WatchModel) Init() tea.Cmd {
	return fetchStatusCmd(m.fetch)
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.bar.Width = clamp(msg.Width-10, 10, 80)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.interrupted = true
			return m, tea.Quit
		}
		return m, nil
	case pollMsg:
		return m, fetchStatusCmd(m.fetch)
	case statusMsg:
		if msg.err != nil {
			m.failures++
			if m.failures >= maxPollFailures {
				m.err = msg.err
				return m, tea.Quit
			}
			return m, pollAfter(m.interval)
		}
		m.failures = 0
		m.status = msg.status
		if m.status.State.IsTerminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, pollAfter(m.interval)
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(watchTitleStyle.Render("Person detection"))
	b.WriteString("\n")
	if m.status.SessionID != "" {
		b.WriteString(watchMutedStyle.Render("session " + m.status.SessionID))
		b.WriteString("\n\n")
	}

	b.WriteString(m.bar.ViewAs(m.Percent()))
	b.WriteString(fmt.Sprintf("  %d/%d\n", m.status.Progress.Processed, m.status.Progress.Total))
	b.WriteString(stateLine(m.status))
	b.WriteString("\n")

	if m.status.Stats.TotalPeople > 0 || m.status.State == entity.StateCompleted {
		b.WriteString(fmt.Sprintf("people detected: %d total, %d max in one frame\n",
			m.status.Stats.TotalPeople, m.status.Stats.MaxPeopleInFrame))
	}
	if m.err != nil {
		b.WriteString(watchErrorStyle.Render("status unavailable: " + m.err.Error()))
		b.WriteString("\n")
	}
	if !m.done && m.err == nil && !m.interrupted {
		b.WriteString(watchMutedStyle.Render("q to stop watching"))
	}

	return watchPanelStyle.Render(b.String())
}

func (m WatchModel) Percent() float64 {
	if m.status.Progress.Total <= 0 {
		return 0
	}
	p := float64(m.status.Progress.Processed) / float64(m.status.Progress.Total)
	if p > 1 {
		return 1
	}
	return p
}

// Result reports the last status seen. err is set when polling gave up.
func (m WatchModel) Result() (session.StatusResponse, bool, error) {
	return m.status, m.interrupted, m.err
}

func stateLine(s session.StatusResponse) string {
	switch s.State {
	case entity.StateCompleted:
		return watchOKStyle.Render(string(s.State))
	case entity.StateFailed, entity.StateDeleted:
		line := string(s.State)
		if s.Error != nil {
			line += ": " + s.Error.Error()
		}
		return watchErrorStyle.Render(line)
	case "":
		return watchMutedStyle.Render("waiting for status...")
	default:
		return string(s.State)
	}
}

func fetchStatusCmd(fetch StatusFunc) tea.Cmd {
	return func() tea.Msg {
		status, err := fetch()
		return statusMsg{status: status, err: err}
	}
}

func pollAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
