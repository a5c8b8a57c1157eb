package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
)

var epoch = time.Unix(1730000000, 0).UTC()

type fakeSource struct {
	record store.Record
	err    error
	killed bool
}

func (f *fakeSource) View(context.Context, string) (store.Record, error) {
	return f.record, f.err
}

func (f *fakeSource) Kill(context.Context, string) (store.Record, error) {
	f.killed = true
	if err := f.record.Execution.State.Transition(state.Killed, epoch.Add(time.Minute)); err != nil {
		return store.Record{}, err
	}
	return f.record, nil
}

func buildRecord(t *testing.T) store.Record {
	t.Helper()
	def := flow.Flow{ID: "hello", Namespace: "company.team"}
	exec := execution.New(def, epoch)
	if err := exec.State.Transition(state.Running, epoch); err != nil {
		t.Fatal(err)
	}
	group := &execution.TaskRun{ID: "g", ExecutionID: exec.ID, TaskID: "group", State: state.NewHistory(epoch)}
	child := &execution.TaskRun{ID: "c", ExecutionID: exec.ID, ParentTaskRunID: "g", TaskID: "child", Message: "working", State: state.NewHistory(epoch)}
	for _, tr := range []*execution.TaskRun{group, child} {
		if err := tr.State.Transition(state.Running, epoch); err != nil {
			t.Fatal(err)
		}
		if err := exec.Append(tr); err != nil {
			t.Fatal(err)
		}
	}
	return store.Record{Flow: def, Execution: exec}
}

func newWatch(t *testing.T, src *fakeSource, opts ...Option) *Watch {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return epoch.Add(5 * time.Second) })}, opts...)
	w, err := New(src, "exec", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestWatchListsTaskRunsInTreeOrder(t *testing.T) {
	src := &fakeSource{record: buildRecord(t)}
	w := newWatch(t, src)
	_, cmd := w.Update(w.snapshot())
	if isQuit(cmd) {
		t.Fatalf("running execution must not quit")
	}
	items := w.runs.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	first := items[0].(taskRunItem)
	second := items[1].(taskRunItem)
	if first.Title() != "group" || second.Title() != "  child" {
		t.Fatalf("unexpected titles %q %q", first.Title(), second.Title())
	}
	if desc := second.Description(); !strings.Contains(desc, "RUNNING") || !strings.Contains(desc, "working") {
		t.Fatalf("unexpected description %q", desc)
	}
	view := w.View()
	if !strings.Contains(view, "company.team.hello") || !strings.Contains(view, "RUNNING") {
		t.Fatalf("header missing from view:\n%s", view)
	}
}

func TestWatchQuitsWhenExecutionTerminates(t *testing.T) {
	rec := buildRecord(t)
	if err := rec.Execution.State.Transition(state.Success, epoch.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	w := newWatch(t, &fakeSource{record: rec})
	_, cmd := w.Update(w.snapshot())
	if !w.Finished() || !isQuit(cmd) {
		t.Fatalf("expected quit after terminal snapshot")
	}
	if w.Record().Execution.Current() != state.Success {
		t.Fatalf("record not kept")
	}
}

func TestWatchShowsErrorsAndKeepsPolling(t *testing.T) {
	w := newWatch(t, &fakeSource{err: errors.New("store offline")})
	_, cmd := w.Update(w.snapshot())
	if cmd == nil || isQuit(cmd) {
		t.Fatalf("expected a scheduled refresh")
	}
	if !strings.Contains(w.View(), "store offline") {
		t.Fatalf("error not rendered")
	}
}

func TestWatchKeys(t *testing.T) {
	src := &fakeSource{record: buildRecord(t)}
	w := newWatch(t, src)
	_, cmd := w.Update(key("x"))
	if cmd != nil || !strings.Contains(w.View(), "not available") {
		t.Fatalf("kill without killer must only report")
	}

	w = newWatch(t, src, WithKiller(src))
	_, cmd = w.Update(key("x"))
	if cmd == nil {
		t.Fatalf("expected kill command")
	}
	msg := cmd()
	if !src.killed {
		t.Fatalf("killer not invoked")
	}
	_, cmd = w.Update(msg)
	if !isQuit(cmd) {
		t.Fatalf("expected quit once killed")
	}

	_, cmd = w.Update(key("q"))
	if !isQuit(cmd) {
		t.Fatalf("q must quit")
	}
	_, cmd = w.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !isQuit(cmd) {
		t.Fatalf("ctrl+c must quit")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, "exec"); err == nil {
		t.Fatalf("expected error without source")
	}
	if _, err := New(&fakeSource{}, " "); err == nil {
		t.Fatalf("expected error without execution id")
	}
}
