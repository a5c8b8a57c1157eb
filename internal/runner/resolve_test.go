package runner

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/state"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t    *testing.T
	exec *execution.Execution
	tick time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, exec: execution.New(flow.Flow{ID: "flow", Namespace: "company.team"}, epoch)}
}

func (f *fixture) now() time.Time {
	f.tick += time.Second
	return epoch.Add(f.tick)
}

// run appends a task run for taskID under parent and walks it through states.
func (f *fixture) run(parent *execution.TaskRun, taskID, value string, states ...state.State) *execution.TaskRun {
	f.t.Helper()
	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	rt := flow.ResolvedTask{Task: flow.Task{ID: taskID}, Value: value, ParentID: parentID}
	tr := f.exec.NewTaskRun(rt, f.now())
	for _, next := range states {
		if err := tr.State.Transition(next, f.now()); err != nil {
			f.t.Fatalf("transition %s -> %s: %v", taskID, next, err)
		}
	}
	if err := f.exec.Append(tr); err != nil {
		f.t.Fatalf("append %s: %v", taskID, err)
	}
	return tr
}

func tasks(parentID string, ids ...string) []flow.ResolvedTask {
	defs := make([]flow.Task, len(ids))
	for i, id := range ids {
		defs[i] = flow.Task{ID: id, Type: "log"}
	}
	return flow.Resolve(defs, parentID)
}

func (f *fixture) nexts(main, handlers []flow.ResolvedTask, parent *execution.TaskRun) SequentialNextsContext {
	f.t.Helper()
	ctx, err := NewSequentialNextsContext(f.exec, main, handlers, parent)
	if err != nil {
		f.t.Fatalf("nexts context: %v", err)
	}
	return ctx
}

func (f *fixture) resolveState(main, handlers []flow.ResolvedTask, parent *execution.TaskRun, allowFailure bool) ResolveStateContext {
	f.t.Helper()
	ctx, err := NewResolveStateContext(f.exec, main, handlers, parent, nil, allowFailure)
	if err != nil {
		f.t.Fatalf("state context: %v", err)
	}
	return ctx
}

func dispatched(list []flow.ResolvedTask, idx int) NextDecision {
	return NextDecision{Kind: DecisionDispatch, Tasks: []flow.ResolvedTask{list[idx]}}
}

func assertDecision(t *testing.T, want, got NextDecision) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decision mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveNextDispatchesFirstTask(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")

	assertDecision(t, dispatched(main, 0), ResolveNext(f.nexts(main, nil, nil)))
}

func TestResolveNextAdvancesAfterSuccess(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	f.run(nil, "a", "", state.Running, state.Success)

	assertDecision(t, dispatched(main, 1), ResolveNext(f.nexts(main, nil, nil)))
}

func TestResolveNextWarningIsNotFailing(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	f.run(nil, "a", "", state.Running, state.Warning)

	assertDecision(t, dispatched(main, 1), ResolveNext(f.nexts(main, nil, nil)))
}

func TestResolveNextWaitsForRunningTask(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	f.run(nil, "a", "", state.Running)

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(main, nil, nil)))
	if _, done := ResolveState(f.resolveState(main, nil, nil, false)); done {
		t.Fatalf("scope with a running task must not be terminated")
	}
}

func TestResolveNextNeverDispatchesPastPendingTask(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b", "c")
	f.run(nil, "a", "", state.Running, state.Success)
	f.run(nil, "b", "")

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(main, nil, nil)))
}

func TestFailureDispatchesErrorHandlerThenFails(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	handlers := tasks("", "c")
	f.run(nil, "a", "", state.Running, state.Failed)

	assertDecision(t, dispatched(handlers, 0), ResolveNext(f.nexts(main, handlers, nil)))
	if _, done := ResolveState(f.resolveState(main, handlers, nil, false)); done {
		t.Fatalf("scope must stay open while error handlers are pending")
	}

	f.run(nil, "c", "", state.Running, state.Success)

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(main, handlers, nil)))
	got, done := ResolveState(f.resolveState(main, handlers, nil, false))
	if !done || got != state.Failed {
		t.Fatalf("expected FAILED, got %s (done=%v)", got, done)
	}
	if agg := Aggregate(f.resolveState(main, handlers, nil, false)); agg != state.Failed {
		t.Fatalf("expected aggregate FAILED, got %s", agg)
	}
}

func TestAllowFailureDowngradesToWarning(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	handlers := tasks("", "c")
	f.run(nil, "a", "", state.Running, state.Failed)
	f.run(nil, "c", "", state.Running, state.Success)

	got, done := ResolveState(f.resolveState(main, handlers, nil, true))
	if !done || got != state.Warning {
		t.Fatalf("expected WARNING, got %s (done=%v)", got, done)
	}
}

func TestErrorHandlerInProgressReportsErrored(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a")
	handlers := tasks("", "c", "d")
	f.run(nil, "a", "", state.Running, state.Failed)
	f.run(nil, "c", "", state.Running)

	assertDecision(t, NextDecision{Kind: DecisionErrored}, ResolveNext(f.nexts(main, handlers, nil)))
}

func TestErrorHandlersRunSequentially(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a")
	handlers := tasks("", "c", "d")
	f.run(nil, "a", "", state.Running, state.Failed)
	f.run(nil, "c", "", state.Running, state.Success)

	assertDecision(t, dispatched(handlers, 1), ResolveNext(f.nexts(main, handlers, nil)))
}

func TestFailingErrorHandlerTerminatesScope(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a")
	handlers := tasks("", "c", "d")
	f.run(nil, "a", "", state.Running, state.Failed)
	f.run(nil, "c", "", state.Running, state.Failed)

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(main, handlers, nil)))
	got, done := ResolveState(f.resolveState(main, handlers, nil, false))
	if !done || got != state.Failed {
		t.Fatalf("expected FAILED, got %s (done=%v)", got, done)
	}
}

func TestFailureWithoutHandlersTerminatesImmediately(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	f.run(nil, "a", "", state.Running, state.Failed)

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(main, nil, nil)))
	got, done := ResolveState(f.resolveState(main, nil, nil, false))
	if !done || got != state.Failed {
		t.Fatalf("expected FAILED, got %s (done=%v)", got, done)
	}
}

func TestKilledDominatesEverything(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	handlers := tasks("", "c")
	f.run(nil, "a", "", state.Running, state.Killed)
	f.run(nil, "c", "", state.Running, state.Failed)

	for _, allowFailure := range []bool{false, true} {
		got, done := ResolveState(f.resolveState(main, handlers, nil, allowFailure))
		if !done || got != state.Killed {
			t.Fatalf("allowFailure=%v: expected KILLED, got %s (done=%v)", allowFailure, got, done)
		}
	}
}

func TestEmptyScopeSucceeds(t *testing.T) {
	f := newFixture(t)

	assertDecision(t, NextDecision{Kind: DecisionNone}, ResolveNext(f.nexts(nil, nil, nil)))
	got, done := ResolveState(f.resolveState(nil, nil, nil, false))
	if !done || got != state.Success {
		t.Fatalf("expected SUCCESS, got %s (done=%v)", got, done)
	}
}

func TestCompletedScopeAggregatesWarning(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	handlers := tasks("", "c")
	f.run(nil, "a", "", state.Running, state.Success)
	f.run(nil, "b", "", state.Running, state.Warning)

	got, done := ResolveState(f.resolveState(main, handlers, nil, false))
	if !done || got != state.Warning {
		t.Fatalf("expected WARNING, got %s (done=%v)", got, done)
	}
}

func TestDisabledTasksAreSkipped(t *testing.T) {
	f := newFixture(t)
	main := flow.Resolve([]flow.Task{
		{ID: "a", Type: "log", Disabled: true},
		{ID: "b", Type: "log"},
	}, "")

	assertDecision(t, dispatched(main, 1), ResolveNext(f.nexts(main, nil, nil)))

	f.run(nil, "b", "", state.Running, state.Success)
	got, done := ResolveState(f.resolveState(main, nil, nil, false))
	if !done || got != state.Success {
		t.Fatalf("expected SUCCESS, got %s (done=%v)", got, done)
	}
}

func TestLoopValuesAreDistinctTasks(t *testing.T) {
	f := newFixture(t)
	def := []flow.Task{{ID: "item", Type: "log"}}
	main := append(flow.ResolveWithValue(def, "1", ""), flow.ResolveWithValue(def, "2", "")...)
	f.run(nil, "item", "1", state.Running, state.Success)

	assertDecision(t, dispatched(main, 1), ResolveNext(f.nexts(main, nil, nil)))
}

func TestNestedScopesAreIndependent(t *testing.T) {
	f := newFixture(t)
	parent := f.run(nil, "group", "", state.Running)
	children := tasks(parent.ID, "x", "y")
	f.run(nil, "x", "", state.Running, state.Failed)
	f.run(parent, "x", "", state.Running, state.Success)

	assertDecision(t, dispatched(children, 1), ResolveNext(f.nexts(children, nil, parent)))
}

func TestResolutionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	handlers := tasks("", "c")
	f.run(nil, "a", "", state.Running, state.Failed)
	ctx := f.nexts(main, handlers, nil)

	first := ResolveNext(ctx)
	second := ResolveNext(ctx)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated resolution differs (-first +second):\n%s", diff)
	}
}

func TestAggregatePrecedence(t *testing.T) {
	cases := []struct {
		name         string
		states       []state.State
		allowFailure bool
		want         state.State
	}{
		{name: "empty", want: state.Success},
		{name: "all success", states: []state.State{state.Success, state.Success}, want: state.Success},
		{name: "warning", states: []state.State{state.Success, state.Warning}, want: state.Warning},
		{name: "failed beats warning", states: []state.State{state.Warning, state.Failed}, want: state.Failed},
		{name: "allowed failure", states: []state.State{state.Failed}, allowFailure: true, want: state.Warning},
		{name: "killed beats failed", states: []state.State{state.Failed, state.Killed}, want: state.Killed},
		{name: "killed ignores allow failure", states: []state.State{state.Killed}, allowFailure: true, want: state.Killed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregateStates(tc.states, tc.allowFailure); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestContextValidation(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)
	foreign := other.run(nil, "a", "")

	cases := []struct {
		name     string
		exec     *execution.Execution
		main     []flow.ResolvedTask
		handlers []flow.ResolvedTask
		parent   *execution.TaskRun
		field    string
	}{
		{name: "missing execution", field: "execution"},
		{name: "duplicate task", exec: f.exec, main: tasks("", "a", "a"), field: "tasks"},
		{name: "duplicate error handler", exec: f.exec, main: tasks("", "a"), handlers: tasks("", "c", "c"), field: "errors"},
		{name: "foreign parent", exec: f.exec, parent: foreign, field: "parentTaskRun"},
		{name: "parent mismatch", exec: f.exec, main: tasks("elsewhere", "a"), field: "tasks"},
		{name: "error handler parent mismatch", exec: f.exec, handlers: tasks("elsewhere", "c"), field: "errors"},
	}
	check := func(t *testing.T, err error, field string) {
		t.Helper()
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if verr.Field != field {
			t.Fatalf("expected field %s, got %s", field, verr.Field)
		}
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSequentialNextsContext(tc.exec, tc.main, tc.handlers, tc.parent)
			check(t, err, tc.field)
			_, err = NewResolveStateContext(tc.exec, tc.main, tc.handlers, tc.parent, nil, true)
			check(t, err, tc.field)
		})
	}
}

func TestContextCopiesTaskLists(t *testing.T) {
	f := newFixture(t)
	main := tasks("", "a", "b")
	ctx := f.nexts(main, nil, nil)
	main[0].Task.ID = "mutated"

	if got := ctx.Tasks()[0].Task.ID; got != "a" {
		t.Fatalf("context task list aliased caller slice: %s", got)
	}
}
