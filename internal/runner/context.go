package runner

import (
	"fmt"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
)

// ValidationError reports an internally inconsistent resolution context.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("runner: invalid %s: %s", e.Field, e.Reason)
}

// RenderContext renders templates for the scope being resolved. Task
// implementations use it; the resolver itself never does.
type RenderContext interface {
	Render(template string) (string, error)
}

// SequentialNextsContext pins down the execution, task lists, and parent task
// run a next-task resolution operates over.
type SequentialNextsContext struct {
	execution     *execution.Execution
	tasks         []flow.ResolvedTask
	errors        []flow.ResolvedTask
	parentTaskRun *execution.TaskRun
}

// NewSequentialNextsContext validates and bundles the resolution inputs. A nil
// parentTaskRun selects the execution root scope.
func NewSequentialNextsContext(exec *execution.Execution, tasks, errors []flow.ResolvedTask, parentTaskRun *execution.TaskRun) (SequentialNextsContext, error) {
	if err := validate(exec, tasks, errors, parentTaskRun); err != nil {
		return SequentialNextsContext{}, err
	}
	return SequentialNextsContext{
		execution:     exec,
		tasks:         cloneResolved(tasks),
		errors:        cloneResolved(errors),
		parentTaskRun: parentTaskRun,
	}, nil
}

// Execution returns the execution snapshot.
func (c SequentialNextsContext) Execution() *execution.Execution { return c.execution }

// Tasks returns a copy of the normal task list.
func (c SequentialNextsContext) Tasks() []flow.ResolvedTask { return cloneResolved(c.tasks) }

// Errors returns a copy of the error-handler list.
func (c SequentialNextsContext) Errors() []flow.ResolvedTask { return cloneResolved(c.errors) }

// ParentTaskRun returns the scope's parent task run, nil for the root scope.
func (c SequentialNextsContext) ParentTaskRun() *execution.TaskRun { return c.parentTaskRun }

func (c SequentialNextsContext) parentID() string {
	if c.parentTaskRun == nil {
		return ""
	}
	return c.parentTaskRun.ID
}

// ResolveStateContext adds the rendering context and failure policy needed to
// settle the terminal state of a scope.
type ResolveStateContext struct {
	nexts         SequentialNextsContext
	renderContext RenderContext
	allowFailure  bool
}

// NewResolveStateContext validates and bundles the aggregation inputs.
func NewResolveStateContext(exec *execution.Execution, tasks, errors []flow.ResolvedTask, parentTaskRun *execution.TaskRun, renderContext RenderContext, allowFailure bool) (ResolveStateContext, error) {
	nexts, err := NewSequentialNextsContext(exec, tasks, errors, parentTaskRun)
	if err != nil {
		return ResolveStateContext{}, err
	}
	return ResolveStateContext{
		nexts:         nexts,
		renderContext: renderContext,
		allowFailure:  allowFailure,
	}, nil
}

// Execution returns the execution snapshot.
func (c ResolveStateContext) Execution() *execution.Execution { return c.nexts.execution }

// Tasks returns a copy of the normal task list.
func (c ResolveStateContext) Tasks() []flow.ResolvedTask { return c.nexts.Tasks() }

// Errors returns a copy of the error-handler list.
func (c ResolveStateContext) Errors() []flow.ResolvedTask { return c.nexts.Errors() }

// ParentTaskRun returns the scope's parent task run, nil for the root scope.
func (c ResolveStateContext) ParentTaskRun() *execution.TaskRun { return c.nexts.parentTaskRun }

// RenderContext may be nil when the caller has nothing to render.
func (c ResolveStateContext) RenderContext() RenderContext { return c.renderContext }

// AllowFailure reports whether a failed scope settles as WARNING.
func (c ResolveStateContext) AllowFailure() bool { return c.allowFailure }

// Nexts returns the embedded next-task resolution context.
func (c ResolveStateContext) Nexts() SequentialNextsContext { return c.nexts }

func validate(exec *execution.Execution, tasks, errors []flow.ResolvedTask, parentTaskRun *execution.TaskRun) error {
	if exec == nil {
		return &ValidationError{Field: "execution", Reason: "execution is required"}
	}
	parentID := ""
	if parentTaskRun != nil {
		if !exec.Contains(parentTaskRun) {
			return &ValidationError{
				Field:  "parentTaskRun",
				Reason: fmt.Sprintf("task run %s does not belong to execution %s", parentTaskRun.ID, exec.ID),
			}
		}
		parentID = parentTaskRun.ID
	}
	if err := validateList("tasks", tasks, parentID); err != nil {
		return err
	}
	return validateList("errors", errors, parentID)
}

func validateList(field string, list []flow.ResolvedTask, parentID string) error {
	seen := make(map[string]struct{}, len(list))
	for _, rt := range list {
		if rt.Task.ID == "" {
			return &ValidationError{Field: field, Reason: "task id is required"}
		}
		key := rt.Key()
		if _, dup := seen[key]; dup {
			return &ValidationError{Field: field, Reason: "duplicate task " + key}
		}
		seen[key] = struct{}{}
		if rt.ParentID != parentID {
			return &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("task %s resolved under parent %q, scope parent is %q", key, rt.ParentID, parentID),
			}
		}
	}
	return nil
}

func cloneResolved(list []flow.ResolvedTask) []flow.ResolvedTask {
	if len(list) == 0 {
		return nil
	}
	out := make([]flow.ResolvedTask, len(list))
	copy(out, list)
	return out
}
