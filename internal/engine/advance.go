package engine

import (
	"fmt"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/runner"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
)

// advance resolves every open scope of rec until nothing changes: dispatched
// tasks become CREATED task runs (flowables start RUNNING right away) and
// finished scopes settle their parent task run or the execution itself.
func (e *Engine) advance(rec store.Record) error {
	for !rec.Execution.IsTerminated() {
		changed, err := e.step(rec)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
	}
	return nil
}

func (e *Engine) step(rec store.Record) (bool, error) {
	exec := rec.Execution
	changed, err := e.advanceScope(exec, nil, rec.Flow.Tasks, rec.Flow.Errors, false)
	if err != nil || changed {
		return changed, err
	}
	open := make([]*execution.TaskRun, 0, len(exec.TaskRuns))
	for _, tr := range exec.TaskRuns {
		if tr.Current() == state.Running {
			open = append(open, tr)
		}
	}
	for _, tr := range open {
		def, ok := rec.Flow.Find(tr.TaskID)
		if !ok {
			return false, fmt.Errorf("engine: execution %s: task %s is not declared in the flow", exec.ID, tr.TaskID)
		}
		if !def.IsFlowable() {
			continue
		}
		changed, err := e.advanceScope(exec, tr, def.Tasks, def.Errors, def.AllowFailure)
		if err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

func (e *Engine) advanceScope(exec *execution.Execution, parent *execution.TaskRun, tasks, errs []flow.Task, allowFailure bool) (bool, error) {
	parentID := ""
	if parent != nil {
		parentID = parent.ID
	}
	resolvedTasks := flow.Resolve(tasks, parentID)
	resolvedErrors := flow.Resolve(errs, parentID)

	nexts, err := runner.NewSequentialNextsContext(exec, resolvedTasks, resolvedErrors, parent)
	if err != nil {
		return false, fmt.Errorf("engine: execution %s: %w", exec.ID, err)
	}
	decision := runner.ResolveNext(nexts)
	if decision.Kind == runner.DecisionDispatch {
		now := e.now()
		for _, rt := range decision.Tasks {
			tr := exec.NewTaskRun(rt, now)
			if rt.Task.IsFlowable() {
				if err := tr.State.Transition(state.Running, now); err != nil {
					return false, err
				}
			}
			if err := exec.Append(tr); err != nil {
				return false, err
			}
			e.logger.Printf("engine: execution %s: dispatched %s as %s", exec.ID, rt.Key(), tr.ID)
		}
		return true, nil
	}

	bound := e.renderer.Bind(render.ExecutionVariables(exec, parent))
	resolveCtx, err := runner.NewResolveStateContext(exec, resolvedTasks, resolvedErrors, parent, bound, allowFailure)
	if err != nil {
		return false, fmt.Errorf("engine: execution %s: %w", exec.ID, err)
	}
	final, done := runner.ResolveState(resolveCtx)
	if !done {
		return false, nil
	}
	now := e.now()
	if parent == nil {
		if err := exec.State.Transition(final, now); err != nil {
			return false, err
		}
		e.logger.Printf("engine: execution %s ended %s", exec.ID, final)
		return true, nil
	}
	if err := parent.State.Transition(final, now); err != nil {
		return false, err
	}
	e.logger.Printf("engine: execution %s: %s ended %s", exec.ID, parent.TaskID, final)
	return true, nil
}
