package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Robert-MacWha/tlock/host"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#98FB98"))

	heldStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	freeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	refreshInterval = 500 * time.Millisecond
)

type inspectorModel struct {
	h       *host.Host
	loaded  []string
	info    host.Introspect
	session table.Model
}

func newSessionTable() table.Model {
	cols := []table.Column{
		{Title: "session", Width: 16},
		{Title: "plugin", Width: 28},
		{Title: "fuel", Width: 10},
		{Title: "quanta", Width: 8},
	}
	t := table.New(table.WithColumns(cols), table.WithHeight(8))
	return t
}

func newInspectorModel(h *host.Host, loaded []string) *inspectorModel {
	return &inspectorModel{h: h, loaded: loaded, session: newSessionTable()}
}

type tickMsg struct{}

func (m *inspectorModel) Init() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}

	case tickMsg:
		m.info = m.h.Introspect()
		m.session.SetRows(sessionRows(m.info))
		return m, tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
	}

	var cmd tea.Cmd
	m.session, cmd = m.session.Update(msg)
	return m, cmd
}

func sessionRows(info host.Introspect) []table.Row {
	rows := make([]table.Row, 0, len(info.Sessions))
	for _, s := range info.Sessions {
		rows = append(rows, table.Row{
			s.ID.String(),
			string(s.PluginID),
			strconv.FormatUint(s.Fuel, 10),
			strconv.FormatUint(s.Quanta, 10),
		})
	}
	return rows
}

func (m *inspectorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("tlock host inspector"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Loaded plugins"))
	b.WriteString("\n")
	if len(m.loaded) == 0 {
		b.WriteString("  (none; pass -wasm file1.wasm,file2.wasm)\n")
	}
	for _, id := range m.loaded {
		b.WriteString("  " + idStyle.Render(id) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("Sessions (%d)", len(m.info.Sessions))))
	b.WriteString("\n")
	b.WriteString(m.session.View())
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Locks"))
	b.WriteString("\n")
	for pluginID, locks := range m.info.Locks {
		for _, l := range locks {
			status := freeStyle.Render("free")
			if l.Held {
				status = heldStyle.Render(fmt.Sprintf("held by %s", l.Holder.String()))
			}
			b.WriteString(fmt.Sprintf("  %s/%s %s queue=%d\n", idStyle.Render(string(pluginID)), l.Key, status, l.Queue))
		}
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("Entities (%d)", len(m.info.Entities))))
	b.WriteString("\n")
	for _, e := range m.info.Entities {
		b.WriteString(fmt.Sprintf("  %s domain=%s plugin=%s\n", e.ID, e.Domain, idStyle.Render(string(e.PluginID))))
	}
	b.WriteString("\n")

	b.WriteString(helpStyle.Render("refreshes every " + refreshInterval.String() + " • q quit"))
	return b.String()
}
