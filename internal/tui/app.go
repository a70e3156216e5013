// Package tui renders a live transfer dashboard in the terminal: per-task
// table progress, throughput and the recent log tail, fed by the progress
// collector.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/progress"
)

// snapshotMsg carries a new progress snapshot into the update loop.
type snapshotMsg progress.Snapshot

// Model is the Bubble Tea model for the transferd dashboard.
type Model struct {
	collector *progress.Collector
	sub       chan progress.Snapshot
	snapshot  progress.Snapshot

	width  int
	height int
	ready  bool
}

// NewModel creates a model connected to the given collector.
func NewModel(collector *progress.Collector) Model {
	return Model{collector: collector}
}

// Init starts the snapshot subscription.
func (m Model) Init() tea.Cmd {
	m.sub = m.collector.Subscribe()
	return waitForSnapshot(m.sub)
}

func waitForSnapshot(sub chan progress.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-sub
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.sub != nil {
				m.collector.Unsubscribe(m.sub)
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

	case snapshotMsg:
		m.snapshot = progress.Snapshot(msg)
		return m, waitForSnapshot(m.sub)
	}

	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	w := m.width
	snap := m.snapshot

	var sections []string

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(colorPrimary).
		Width(w).
		Padding(0, 1).
		Render(" transferd")
	sections = append(sections, title)

	sections = append(sections, boxStyle.Width(w-2).Render(renderSummary(snap)))

	tableHeight := m.height - 14
	if tableHeight < 3 {
		tableHeight = 3
	}
	sections = append(sections, boxStyle.Width(w-2).Render(renderTasks(snap, w-4, tableHeight)))

	sections = append(sections, boxStyle.Width(w-2).Render(renderLogs(m.collector.Logs(), 5)))

	sections = append(sections, helpStyle.Render("  q: quit"))

	return strings.Join(sections, "\n")
}

func renderSummary(snap progress.Snapshot) string {
	running := 0
	for _, t := range snap.Tasks {
		if t.Status == model.ExecRunning {
			running++
		}
	}
	parts := []string{
		labelStyle.Render("tasks ") + valueStyle.Render(fmt.Sprintf("%d (%d running)", len(snap.Tasks), running)),
		labelStyle.Render("rows ") + valueStyle.Render(formatCount(snap.TotalRows)),
		labelStyle.Render("throughput ") + valueStyle.Render(fmt.Sprintf("%.0f rows/s, %s/s", snap.RowsPerSec, formatBytes(int64(snap.BytesPerSec)))),
	}
	if snap.ErrorCount > 0 {
		parts = append(parts, statusFailedStyle.Render(fmt.Sprintf("errors %d", snap.ErrorCount)))
	}
	return strings.Join(parts, labelStyle.Render("  |  "))
}

func renderTasks(snap progress.Snapshot, width, height int) string {
	if len(snap.Tasks) == 0 {
		return labelStyle.Render("no active tasks")
	}

	var rows []string
	rows = append(rows, tableHeaderStyle.Render(fmt.Sprintf("%-28s %-10s %8s %s", "TABLE", "STATUS", "ROWS", "PROGRESS")))

	for _, task := range snap.Tasks {
		header := fmt.Sprintf("%s  %s  %.0f%%", task.TaskID, task.Status, task.Percent)
		rows = append(rows, valueStyle.Render(header))
		for _, tbl := range task.Tables {
			name := tbl.Name
			if len(name) > 28 {
				name = name[:25] + "..."
			}
			line := fmt.Sprintf("%-28s %-10s %8s %s",
				name,
				renderTableStatus(tbl.Status),
				formatCount(tbl.ProcessedRows),
				progressBar(tbl.Percent, barWidth(width)),
			)
			rows = append(rows, line)
			if len(rows) >= height {
				rows = append(rows, labelStyle.Render("..."))
				return strings.Join(rows, "\n")
			}
		}
	}
	return strings.Join(rows, "\n")
}

func renderTableStatus(s model.TableStatus) string {
	switch s {
	case model.TableRunning:
		return statusRunningStyle.Render(string(s))
	case model.TableSuccess:
		return statusSuccessStyle.Render(string(s))
	case model.TableFailed, model.TableStopped:
		return statusFailedStyle.Render(string(s))
	default:
		return statusPendingStyle.Render(string(s))
	}
}

func renderLogs(entries []progress.LogEntry, n int) string {
	if len(entries) == 0 {
		return labelStyle.Render("no logs yet")
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	var lines []string
	for _, e := range entries {
		var lvl string
		switch e.Level {
		case "warn":
			lvl = logWRNStyle.Render("WRN")
		case "error", "fatal":
			lvl = logERRStyle.Render("ERR")
		default:
			lvl = logINFStyle.Render("INF")
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			labelStyle.Render(e.Time.Format("15:04:05")), lvl, e.Message))
	}
	return strings.Join(lines, "\n")
}

func barWidth(width int) int {
	w := width - 52
	if w < 10 {
		w = 10
	}
	if w > 40 {
		w = 40
	}
	return w
}

func progressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	full := int(percent / 100 * float64(width))
	empty := width - full
	return progressFullStyle.Render(strings.Repeat("█", full)) +
		progressEmptyStyle.Render(strings.Repeat("░", empty)) +
		fmt.Sprintf(" %5.1f%%", percent)
}

func formatCount(n int64) string {
	switch {
	case n >= 1_000_000_000:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fGiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// Run starts the TUI in fullscreen mode.
func Run(collector *progress.Collector) error {
	p := tea.NewProgram(NewModel(collector), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
