// Package tui implements the watch viewer: a live bubbletea display of
// a VM's state, queue depth, and call log tail, polled on an interval
// since the kernel has no push/subscribe surface of its own.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

const pollInterval = 500 * time.Millisecond

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#2F71F2", Dark: "#4A90FF"}
	colorSuccess = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	colorError   = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#FF4672"}
	colorDim     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}

	styleTitle   = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).MarginBottom(1)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleError   = lipgloss.NewStyle().Foreground(colorError)
	styleHelpBar = lipgloss.NewStyle().Foreground(colorDim)
)

// tickMsg fires every pollInterval to re-sample the VM.
type tickMsg time.Time

// sampleMsg carries a freshly read snapshot of the VM's stats and log tail.
type sampleMsg struct {
	stats   vmkernel.Stats
	entries []calllog.Entry
	err     error
}

// WatchModel is the bubbletea model shown by `vmctl watch`.
type WatchModel struct {
	vm       *vmkernel.VM
	tailSize int
	log      table.Model

	stats   vmkernel.Stats
	entries []calllog.Entry
	err     error
	width   int
}

// NewWatchModel constructs a watcher over vm, showing at most tailSize
// of the most recent log entries.
func NewWatchModel(vm *vmkernel.VM, tailSize int) WatchModel {
	if tailSize <= 0 {
		tailSize = 10
	}
	cols := []table.Column{
		{Title: "seq", Width: 6},
		{Title: "type", Width: 8},
		{Title: "method", Width: 16},
		{Title: "files", Width: 6},
		{Title: "error", Width: 30},
	}
	tblStyles := table.DefaultStyles()
	tblStyles.Header = tblStyles.Header.Foreground(colorPrimary).Bold(true)
	tblStyles.Selected = tblStyles.Selected.Foreground(colorSuccess)
	tbl := table.New(
		table.WithColumns(cols),
		table.WithHeight(tailSize),
		table.WithFocused(false),
		table.WithStyles(tblStyles),
	)
	return WatchModel{vm: vm, tailSize: tailSize, log: tbl}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.sample(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m WatchModel) sample() tea.Cmd {
	vm := m.vm
	tailSize := m.tailSize
	return func() tea.Msg {
		stats := vm.Stats()
		entries, err := vm.CallLog().ReadAll()
		if err != nil {
			return sampleMsg{err: err}
		}
		if len(entries) > tailSize {
			entries = entries[len(entries)-tailSize:]
		}
		return sampleMsg{stats: stats, entries: entries}
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.sample(), tick())
	case sampleMsg:
		m.stats = msg.stats
		m.entries = msg.entries
		m.err = msg.err
		m.log.SetRows(entryRows(msg.entries))
		return m, nil
	}
	return m, nil
}

func entryRows(entries []calllog.Entry) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{
			strconv.FormatInt(e.Seq, 10),
			string(e.Type),
			e.Method,
			strconv.FormatInt(e.FilesVersion, 10),
			e.Error,
		})
	}
	return rows
}

func (m WatchModel) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render(fmt.Sprintf("vmctl watch — %s", m.stats.Title)))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(styleError.Render("error: "+m.err.Error()) + "\n")
	}

	b.WriteString(fmt.Sprintf("  state:        %s\n", m.stats.State))
	b.WriteString(fmt.Sprintf("  filesVersion: %d\n", m.stats.FilesVersion))
	b.WriteString(fmt.Sprintf("  logLength:    %d\n", m.stats.LogLength))
	b.WriteString(fmt.Sprintf("  queueLen:     %d\n", m.stats.QueueLen))
	b.WriteString(styleDim.Render("  filesArchive: "+m.stats.FilesArchive) + "\n")
	b.WriteString(styleDim.Render("  callLog:      "+m.stats.CallLogURL) + "\n\n")

	b.WriteString(styleTitle.Render("recent calls"))
	b.WriteString("\n")
	if len(m.entries) == 0 {
		b.WriteString(styleDim.Render("  (no calls yet)") + "\n")
	} else {
		b.WriteString(m.log.View() + "\n")
	}

	b.WriteString("\n" + styleHelpBar.Render("  q quit"))
	return b.String()
}
