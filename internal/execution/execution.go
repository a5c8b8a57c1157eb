// Package execution models a single workflow run: the execution record and
// the append-only collection of task runs created while it progresses.
package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/state"
)

// Execution is one run of a flow.
type Execution struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Namespace string            `json:"namespace"`
	FlowID    string            `json:"flow_id"`
	State     state.History     `json:"state"`
	TaskRuns  []*TaskRun        `json:"task_runs,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TaskRun is one instantiation of a declared task inside an execution.
// ParentTaskRunID is empty for task runs in the execution root scope.
type TaskRun struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	ParentTaskRunID string         `json:"parent_task_run_id,omitempty"`
	TaskID          string         `json:"task_id"`
	Value           string         `json:"value,omitempty"`
	State           state.History  `json:"state"`
	Attempts        int            `json:"attempts,omitempty"`
	Message         string         `json:"message,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
}

// NewID returns a fresh random identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates an execution of def in the Created state.
func New(def flow.Flow, now time.Time) *Execution {
	exec := &Execution{
		ID:        NewID(),
		TenantID:  def.TenantID,
		Namespace: def.Namespace,
		FlowID:    def.ID,
		State:     state.NewHistory(now),
	}
	if len(def.Variables) > 0 {
		exec.Variables = make(map[string]string, len(def.Variables))
		for key, value := range def.Variables {
			exec.Variables[key] = value
		}
	}
	return exec
}

// Current returns the execution's current state.
func (e *Execution) Current() state.State {
	return e.State.Current()
}

// IsTerminated reports whether the execution reached a terminal state.
func (e *Execution) IsTerminated() bool {
	return e.Current().IsTerminal()
}

// NewTaskRun builds a Created task run for rt. It is not appended.
func (e *Execution) NewTaskRun(rt flow.ResolvedTask, now time.Time) *TaskRun {
	return &TaskRun{
		ID:              NewID(),
		ExecutionID:     e.ID,
		ParentTaskRunID: rt.ParentID,
		TaskID:          rt.Task.ID,
		Value:           rt.Value,
		State:           state.NewHistory(now),
	}
}

// Append adds a task run to the execution. Task runs of another execution are
// rejected.
func (e *Execution) Append(tr *TaskRun) error {
	if tr == nil {
		return fmt.Errorf("execution %s: task run is nil", e.ID)
	}
	if tr.ExecutionID != e.ID {
		return fmt.Errorf("execution %s: task run %s belongs to execution %s", e.ID, tr.ID, tr.ExecutionID)
	}
	if _, ok := e.TaskRun(tr.ID); ok {
		return fmt.Errorf("execution %s: task run %s already exists", e.ID, tr.ID)
	}
	e.TaskRuns = append(e.TaskRuns, tr)
	return nil
}

// TaskRun looks up a task run by id.
func (e *Execution) TaskRun(id string) (*TaskRun, bool) {
	for _, tr := range e.TaskRuns {
		if tr.ID == id {
			return tr, true
		}
	}
	return nil, false
}

// Contains reports whether tr is one of this execution's task runs.
func (e *Execution) Contains(tr *TaskRun) bool {
	if tr == nil || tr.ExecutionID != e.ID {
		return false
	}
	_, ok := e.TaskRun(tr.ID)
	return ok
}

// ScopeRuns returns the task runs whose parent is parentID, in append order.
func (e *Execution) ScopeRuns(parentID string) []*TaskRun {
	var out []*TaskRun
	for _, tr := range e.TaskRuns {
		if tr.ParentTaskRunID == parentID {
			out = append(out, tr)
		}
	}
	return out
}

// LastTaskRun returns the most recent task run for (taskID, value) in the
// scope of parentID.
func (e *Execution) LastTaskRun(parentID, taskID, value string) (*TaskRun, bool) {
	for i := len(e.TaskRuns) - 1; i >= 0; i-- {
		tr := e.TaskRuns[i]
		if tr.ParentTaskRunID == parentID && tr.TaskID == taskID && tr.Value == value {
			return tr, true
		}
	}
	return nil, false
}

// Pending returns task runs that have not reached a terminal state.
func (e *Execution) Pending() []*TaskRun {
	var out []*TaskRun
	for _, tr := range e.TaskRuns {
		if !tr.Current().IsTerminal() {
			out = append(out, tr)
		}
	}
	return out
}

// Clone returns a deep copy so callers can hand immutable snapshots to the
// runner while the original keeps growing.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	clone.State = e.State.Clone()
	if len(e.TaskRuns) > 0 {
		clone.TaskRuns = make([]*TaskRun, len(e.TaskRuns))
		for i, tr := range e.TaskRuns {
			clone.TaskRuns[i] = tr.Clone()
		}
	}
	if len(e.Variables) > 0 {
		clone.Variables = make(map[string]string, len(e.Variables))
		for key, value := range e.Variables {
			clone.Variables[key] = value
		}
	}
	return &clone
}

// Current returns the task run's current state.
func (tr *TaskRun) Current() state.State {
	return tr.State.Current()
}

// Clone returns a deep copy of the task run.
func (tr *TaskRun) Clone() *TaskRun {
	if tr == nil {
		return nil
	}
	clone := *tr
	clone.State = tr.State.Clone()
	if len(tr.Outputs) > 0 {
		clone.Outputs = make(map[string]any, len(tr.Outputs))
		for key, value := range tr.Outputs {
			clone.Outputs[key] = value
		}
	}
	return &clone
}
