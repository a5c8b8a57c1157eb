// Package tui renders a live terminal view of one execution with bubbletea.
//
// The model polls the store for the latest snapshot, lists every task run
// with its state, and tails the execution logbook underneath. It quits on its
// own once the execution reaches a terminal state.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
)

const (
	defaultRefreshInterval = time.Second
	logPanelLines          = 8
)

// Source loads execution snapshots.
type Source interface {
	View(ctx context.Context, executionID string) (store.Record, error)
}

// Killer stops an execution.
type Killer interface {
	Kill(ctx context.Context, executionID string) (store.Record, error)
}

// Logbooks hands out the task log of an execution.
type Logbooks interface {
	Logbook(executionID string) (*logbook.Logbook, error)
}

// Option customizes a Watch.
type Option func(*Watch)

// WithKiller enables the "x" key.
func WithKiller(k Killer) Option {
	return func(w *Watch) { w.killer = k }
}

// WithLogbooks shows the tail of the execution logbook.
func WithLogbooks(l Logbooks) Option {
	return func(w *Watch) { w.logbooks = l }
}

// WithRefreshInterval sets the polling period.
func WithRefreshInterval(d time.Duration) Option {
	return func(w *Watch) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithClock is used by tests for stable durations.
func WithClock(clock func() time.Time) Option {
	return func(w *Watch) {
		if clock != nil {
			w.clock = clock
		}
	}
}

type snapshotMsg struct {
	record store.Record
	logs   []string
	err    error
}

// taskRunItem implements list.Item for one task run.
type taskRunItem struct {
	run   *execution.TaskRun
	depth int
	now   time.Time
}

func (i taskRunItem) Title() string {
	name := strings.Repeat("  ", i.depth) + i.run.TaskID
	if i.run.Value != "" {
		name += " [" + i.run.Value + "]"
	}
	return name
}

func (i taskRunItem) Description() string {
	current := i.run.Current()
	parts := []string{stateStyle(current).Render(current.String())}
	if d := i.run.State.Duration(i.now); d > 0 {
		parts = append(parts, d.Round(time.Millisecond).String())
	}
	if i.run.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("attempt %d", i.run.Attempts))
	}
	if i.run.Message != "" {
		parts = append(parts, i.run.Message)
	}
	return strings.Join(parts, " · ")
}

func (i taskRunItem) FilterValue() string { return i.run.TaskID }

// Watch is the bubbletea model for "flowstate watch".
type Watch struct {
	source      Source
	killer      Killer
	logbooks    Logbooks
	executionID string
	interval    time.Duration
	clock       func() time.Time

	record   store.Record
	loaded   bool
	logs     []string
	errText  string
	status   string
	runs     list.Model
	width    int
	height   int
	finished bool
}

// New builds a watch model for executionID.
func New(source Source, executionID string, opts ...Option) (*Watch, error) {
	if source == nil {
		return nil, fmt.Errorf("tui: source is required")
	}
	if strings.TrimSpace(executionID) == "" {
		return nil, fmt.Errorf("tui: execution id is required")
	}
	runs := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	runs.Title = "Task runs"
	runs.SetShowHelp(false)
	runs.SetFilteringEnabled(false)
	w := &Watch{
		source:      source,
		executionID: executionID,
		interval:    defaultRefreshInterval,
		clock:       func() time.Time { return time.Now().UTC() },
		runs:        runs,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Record returns the last snapshot received.
func (w *Watch) Record() store.Record {
	return w.record
}

// Finished reports whether the execution was seen in a terminal state.
func (w *Watch) Finished() bool {
	return w.finished
}

// Init loads the first snapshot.
func (w *Watch) Init() tea.Cmd {
	return w.fetch()
}

// Update handles snapshots, resizes and key presses.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		w.runs.SetSize(max(0, msg.Width-4), max(0, msg.Height-logPanelLines-10))
		return w, nil

	case snapshotMsg:
		if msg.err != nil {
			w.errText = msg.err.Error()
			return w, w.schedule()
		}
		w.errText = ""
		w.apply(msg)
		if w.finished {
			return w, tea.Quit
		}
		return w, w.schedule()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return w, tea.Quit
		case "r":
			w.status = "refreshing..."
			return w, w.fetch()
		case "x":
			if w.killer == nil {
				w.status = "kill is not available here"
				return w, nil
			}
			w.status = "killing execution..."
			return w, w.kill()
		}
	}

	var cmd tea.Cmd
	w.runs, cmd = w.runs.Update(msg)
	return w, cmd
}

func (w *Watch) apply(msg snapshotMsg) {
	w.record = msg.record
	w.logs = msg.logs
	w.loaded = true
	exec := msg.record.Execution
	if exec == nil {
		return
	}
	now := w.clock()
	items := make([]list.Item, 0, len(exec.TaskRuns))
	for _, tr := range ordered(exec) {
		items = append(items, taskRunItem{run: tr, depth: depth(exec, tr), now: now})
	}
	w.runs.SetItems(items)
	w.finished = exec.IsTerminated()
}

// View renders the header, task run list, log tail and key help.
func (w *Watch) View() string {
	width := w.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render("◆ FLOWSTATE")
	sections := []string{header}

	if !w.loaded {
		sections = append(sections, fmt.Sprintf("Loading execution %s...", w.executionID))
	} else if exec := w.record.Execution; exec != nil {
		title := fmt.Sprintf("%s.%s  %s", exec.Namespace, exec.FlowID, exec.ID)
		current := exec.Current()
		line := lipgloss.JoinHorizontal(lipgloss.Top,
			lipgloss.NewStyle().Bold(true).Render(title),
			"  ",
			stateStyle(current).Bold(true).Render(current.String()),
			lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).
				Render("  "+exec.State.Duration(w.clock()).Round(time.Second).String()),
		)
		sections = append(sections, line, "", w.runs.View())
		if panel := w.renderLogPanel(width); panel != "" {
			sections = append(sections, panel)
		}
	}
	if w.errText != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render("error: "+w.errText))
	}
	footer := "q quit · r refresh"
	if w.killer != nil {
		footer += " · x kill"
	}
	if w.status != "" {
		footer += " · " + w.status
	}
	sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(footer))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (w *Watch) renderLogPanel(width int) string {
	if len(w.logs) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("LOG")
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(w.logs, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(head + "\n" + body)
}

func (w *Watch) fetch() tea.Cmd {
	return func() tea.Msg {
		return w.snapshot()
	}
}

func (w *Watch) schedule() tea.Cmd {
	return tea.Tick(w.interval, func(time.Time) tea.Msg {
		return w.snapshot()
	})
}

func (w *Watch) kill() tea.Cmd {
	killer := w.killer
	id := w.executionID
	return func() tea.Msg {
		if _, err := killer.Kill(context.Background(), id); err != nil {
			return snapshotMsg{err: err}
		}
		return w.snapshot()
	}
}

func (w *Watch) snapshot() snapshotMsg {
	rec, err := w.source.View(context.Background(), w.executionID)
	if err != nil {
		return snapshotMsg{err: err}
	}
	msg := snapshotMsg{record: rec}
	if w.logbooks != nil {
		if book, err := w.logbooks.Logbook(w.executionID); err == nil {
			msg.logs = book.Tail(logPanelLines)
		}
	}
	return msg
}

// ordered lists task runs depth first, children right after their parent.
func ordered(exec *execution.Execution) []*execution.TaskRun {
	out := make([]*execution.TaskRun, 0, len(exec.TaskRuns))
	var walk func(parentID string)
	walk = func(parentID string) {
		for _, tr := range exec.ScopeRuns(parentID) {
			out = append(out, tr)
			walk(tr.ID)
		}
	}
	walk("")
	return out
}

func depth(exec *execution.Execution, tr *execution.TaskRun) int {
	n := 0
	for tr != nil && tr.ParentTaskRunID != "" {
		n++
		tr, _ = exec.TaskRun(tr.ParentTaskRunID)
	}
	return n
}

func stateStyle(s state.State) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch s {
	case state.Success:
		return style.Foreground(lipgloss.Color("#50FA7B"))
	case state.Warning:
		return style.Foreground(lipgloss.Color("#F1FA8C"))
	case state.Failed, state.Killed:
		return style.Foreground(lipgloss.Color("#FF5555"))
	case state.Running:
		return style.Foreground(lipgloss.Color("#5B8DEF"))
	default:
		return style.Foreground(lipgloss.Color("#AAAAAA"))
	}
}
