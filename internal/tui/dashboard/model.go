// Package dashboard implements the operator TUI that watches a running
// server over its health and admin connection endpoints.
package dashboard

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wayfarer-labs/wayfarer/internal/tui"
	"github.com/wayfarer-labs/wayfarer/internal/ws"
)

// Health is the decoded /ws/health response.
type Health struct {
	Status  string      `json:"status"`
	Running bool        `json:"websocket_manager_running"`
	Stats   ws.Stats    `json:"connection_stats"`
	Metrics ws.Snapshot `json:"performance_metrics"`
}

// HealthMsg carries a fresh health snapshot.
type HealthMsg struct {
	Health Health
	Err    error
}

// ConnectionsMsg carries a fresh connection listing.
type ConnectionsMsg struct {
	Connections []ws.ConnInfo
	Err         error
}

// Model is the root dashboard TUI model.
type Model struct {
	baseURL string

	health    Health
	healthErr error
	loaded    bool

	connections table.Model
	spinner     spinner.Model

	width    int
	height   int
	quitting bool
}

func NewModel(baseURL string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(tui.ColorPrimary)

	columns := []table.Column{
		{Title: "Connection", Width: 38},
		{Title: "User", Width: 20},
		{Title: "Session", Width: 20},
		{Title: "Connected", Width: 12},
	}
	tbl := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(tui.ColorPrimary)
	styles.Selected = styles.Selected.Foreground(tui.ColorText).Background(tui.ColorMuted)
	tbl.SetStyles(styles)

	return Model{
		baseURL:     baseURL,
		connections: tbl,
		spinner:     sp,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, key.NewBinding(key.WithKeys("ctrl+c", "q"))) {
			m.quitting = true
			return m, tea.Quit
		}

	case HealthMsg:
		m.loaded = true
		m.health = msg.Health
		m.healthErr = msg.Err
		return m, nil

	case ConnectionsMsg:
		if msg.Err == nil {
			rows := make([]table.Row, 0, len(msg.Connections))
			for _, c := range msg.Connections {
				rows = append(rows, table.Row{
					c.ConnectionID,
					c.UserID,
					c.SessionID,
					time.Since(c.ConnectedAt).Truncate(time.Second).String(),
				})
			}
			m.connections.SetRows(rows)
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.connections, cmd = m.connections.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.loaded {
		return fmt.Sprintf("\n  %s contacting %s...\n", m.spinner.View(), m.baseURL)
	}

	var header string
	if m.healthErr != nil {
		header = fmt.Sprintf("%s  %s\n%s",
			tui.Title.Render("Wayfarer"),
			tui.ErrorStyle.Render("unreachable"),
			tui.Dimmed.Render("  "+m.healthErr.Error()))
	} else {
		stats := m.health.Stats
		metrics := m.health.Metrics
		header = fmt.Sprintf("%s  %s %s\n%s",
			tui.Title.Render("Wayfarer"),
			tui.StatusDot(m.health.Running),
			m.health.Status,
			tui.Description.Render(fmt.Sprintf(
				"  Connections: %d/%d   Users: %d   Sessions: %d   Messages: %d   Batches: %d (avg %.1f)",
				stats.TotalConnections, stats.MaxPoolSize, stats.UniqueUsers, stats.ActiveSessions,
				metrics.MessagesProcessed, metrics.BatchesSent, metrics.AvgBatchSize)))
	}

	headerBox := tui.Border.Width(m.width - 2).Render(header)
	tableBox := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(tui.ColorMuted).
		Width(m.width - 2).
		Render(m.connections.View())

	help := tui.Help.Render("  q quit   ↑/↓ scroll connections")

	return lipgloss.JoinVertical(lipgloss.Left, headerBox, tableBox, help)
}
