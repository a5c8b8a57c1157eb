// Package task defines runnable tasks, the registry that builds them from
// flow definitions, and the built-in task types.
package task

import (
	"context"
	"fmt"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/state"
)

// Runnable is a task a worker can execute.
type Runnable interface {
	Run(ctx context.Context, rc *RunContext) (Output, error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context, rc *RunContext) (Output, error)

func (f RunnableFunc) Run(ctx context.Context, rc *RunContext) (Output, error) {
	return f(ctx, rc)
}

// Output is what a finished task reports back. An empty State means
// SUCCESS; a task may downgrade itself to WARNING.
type Output struct {
	State   state.State
	Message string
	Values  map[string]any
	Metrics map[string]float64
}

// FinalState returns the terminal state the output maps to.
func (o Output) FinalState() state.State {
	if o.State == "" {
		return state.Success
	}
	return o.State
}

// RunContext carries everything a task needs while it runs. Execution is a
// snapshot taken when the task was claimed.
type RunContext struct {
	Execution *execution.Execution
	TaskRun   *execution.TaskRun
	Flow      flow.Flow
	Task      flow.Task
	Renderer  *render.Renderer
	Logbook   *logbook.Logbook
}

// Variables returns the template variables of the running task.
func (rc *RunContext) Variables() render.Variables {
	return render.ExecutionVariables(rc.Execution, rc.TaskRun)
}

// Render evaluates tmpl against the task's variables.
func (rc *RunContext) Render(tmpl string) (string, error) {
	if rc.Renderer == nil {
		return "", fmt.Errorf("task: %s: no renderer configured", rc.source())
	}
	return rc.Renderer.Render(tmpl, rc.Variables())
}

// Logf writes to the execution logbook tagged with the task run key.
func (rc *RunContext) Logf(level logbook.Level, format string, args ...any) {
	_ = rc.Logbook.Write(level, rc.source(), fmt.Sprintf(format, args...))
}

func (rc *RunContext) source() string {
	if rc.TaskRun == nil {
		return rc.Task.ID
	}
	if rc.TaskRun.Value == "" {
		return rc.TaskRun.TaskID
	}
	return rc.TaskRun.TaskID + "[" + rc.TaskRun.Value + "]"
}
