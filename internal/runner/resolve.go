package runner

import (
	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/state"
)

// DecisionKind enumerates the outcomes of a next-task resolution.
type DecisionKind int

const (
	// DecisionNone means nothing is ready: a predecessor is still running or
	// the scope has nothing left to dispatch.
	DecisionNone DecisionKind = iota
	// DecisionDispatch carries the task(s) to run now.
	DecisionDispatch
	// DecisionErrored means the normal list failed and the error handlers
	// are in progress but none is ready yet.
	DecisionErrored
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDispatch:
		return "dispatch"
	case DecisionErrored:
		return "errored"
	default:
		return "none"
	}
}

// NextDecision is the resolver's verdict for one scope.
type NextDecision struct {
	Kind  DecisionKind
	Tasks []flow.ResolvedTask
}

type listProgress int

const (
	progressExhausted listProgress = iota
	progressNext
	progressWaiting
	progressFailed
)

type listScan struct {
	progress listProgress
	next     flow.ResolvedTask
}

// outcome is the combined view of both lists for one scope.
type outcome struct {
	decision   NextDecision
	terminated bool
	errorPath  bool
}

// ResolveNext returns the next task(s) to dispatch for the scope. It is pure:
// the same context always yields the same decision.
func ResolveNext(ctx SequentialNextsContext) NextDecision {
	return evaluate(ctx).decision
}

func evaluate(ctx SequentialNextsContext) outcome {
	if ctx.execution == nil {
		return outcome{terminated: true}
	}
	parentID := ctx.parentID()
	main := scanList(ctx.execution, ctx.tasks, parentID)
	switch main.progress {
	case progressNext:
		return outcome{decision: dispatch(main.next)}
	case progressWaiting:
		return outcome{}
	case progressExhausted:
		return outcome{terminated: true}
	}
	if len(ctx.errors) == 0 {
		return outcome{terminated: true}
	}
	handlers := scanList(ctx.execution, ctx.errors, parentID)
	switch handlers.progress {
	case progressNext:
		return outcome{decision: dispatch(handlers.next), errorPath: true}
	case progressWaiting:
		return outcome{decision: NextDecision{Kind: DecisionErrored}, errorPath: true}
	default:
		return outcome{terminated: true, errorPath: true}
	}
}

// scanList walks list in declaration order and stops at the first task that
// has no run yet, is still running, or failed. Disabled tasks are skipped.
func scanList(exec *execution.Execution, list []flow.ResolvedTask, parentID string) listScan {
	for _, rt := range list {
		if rt.Task.Disabled {
			continue
		}
		tr, ok := exec.LastTaskRun(parentID, rt.Task.ID, rt.Value)
		if !ok {
			return listScan{progress: progressNext, next: rt}
		}
		current := tr.Current()
		if current.IsFailed() {
			return listScan{progress: progressFailed}
		}
		if !current.IsTerminal() {
			return listScan{progress: progressWaiting}
		}
	}
	return listScan{progress: progressExhausted}
}

func dispatch(rt flow.ResolvedTask) NextDecision {
	return NextDecision{Kind: DecisionDispatch, Tasks: []flow.ResolvedTask{rt}}
}

// Aggregate computes the terminal state of the scope from the task runs
// produced by the normal list and, when the error path was taken, by the error
// handlers. allowFailure is applied once, to whichever failure remains.
func Aggregate(ctx ResolveStateContext) state.State {
	nexts := ctx.nexts
	if nexts.execution == nil {
		return state.Success
	}
	parentID := nexts.parentID()
	states := lastStates(nexts.execution, nexts.tasks, parentID)
	if evaluate(nexts).errorPath {
		states = append(states, lastStates(nexts.execution, nexts.errors, parentID)...)
	}
	return aggregateStates(states, ctx.allowFailure)
}

// ResolveState returns the aggregated state once the scope has terminated.
// The boolean is false while tasks are still pending or running.
func ResolveState(ctx ResolveStateContext) (state.State, bool) {
	if !evaluate(ctx.nexts).terminated {
		return "", false
	}
	return Aggregate(ctx), true
}

func lastStates(exec *execution.Execution, list []flow.ResolvedTask, parentID string) []state.State {
	var out []state.State
	for _, rt := range list {
		tr, ok := exec.LastTaskRun(parentID, rt.Task.ID, rt.Value)
		if !ok {
			continue
		}
		if current := tr.Current(); current.IsTerminal() {
			out = append(out, current)
		}
	}
	return out
}

func aggregateStates(states []state.State, allowFailure bool) state.State {
	var failed, warning bool
	for _, s := range states {
		switch s {
		case state.Killed:
			return state.Killed
		case state.Failed:
			failed = true
		case state.Warning:
			warning = true
		}
	}
	switch {
	case failed && allowFailure:
		return state.Warning
	case failed:
		return state.Failed
	case warning:
		return state.Warning
	}
	return state.Success
}
