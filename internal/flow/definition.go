package flow

import (
	"fmt"
	"sort"
	"strings"
)

// TypeSequential marks a flowable task that runs its children in order.
const TypeSequential = "sequential"

// Flow declares an executable workflow: an ordered task list plus the error
// handlers that run when the list fails.
type Flow struct {
	ID          string            `json:"id" yaml:"id"`
	Namespace   string            `json:"namespace" yaml:"namespace"`
	TenantID    string            `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []Task            `json:"tasks" yaml:"tasks"`
	Errors      []Task            `json:"errors,omitempty" yaml:"errors,omitempty"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Task is a single declared unit of work. Sequential tasks carry their own
// child lists and are resolved by the engine rather than run by a worker.
type Task struct {
	ID           string `json:"id" yaml:"id"`
	Type         string `json:"type" yaml:"type"`
	Description  string `json:"description,omitempty" yaml:"description,omitempty"`
	Disabled     bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	AllowFailure bool   `json:"allow_failure,omitempty" yaml:"allow_failure,omitempty"`
	Tasks        []Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Errors       []Task `json:"errors,omitempty" yaml:"errors,omitempty"`
	Config       Config `json:"config,omitempty" yaml:"config,omitempty"`
}

// IsFlowable reports whether the task owns child lists.
func (t Task) IsFlowable() bool {
	return t.Type == TypeSequential || len(t.Tasks) > 0
}

// Clone returns a deep copy of the task tree.
func (t Task) Clone() Task {
	clone := t
	clone.Tasks = cloneTasks(t.Tasks)
	clone.Errors = cloneTasks(t.Errors)
	clone.Config = t.Config.Clone()
	return clone
}

// Clone returns a deep copy of the flow.
func (f Flow) Clone() Flow {
	clone := f
	clone.Tasks = cloneTasks(f.Tasks)
	clone.Errors = cloneTasks(f.Errors)
	if len(f.Variables) > 0 {
		clone.Variables = make(map[string]string, len(f.Variables))
		for key, value := range f.Variables {
			clone.Variables[key] = value
		}
	}
	return clone
}

// Validate ensures the flow definition is self-consistent. Task ids must be
// unique across the whole tree so task runs can always be traced back to a
// single declaration.
func (f Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("flow: id is required")
	}
	if f.Namespace == "" {
		return fmt.Errorf("flow %s: namespace is required", f.ID)
	}
	if len(f.Tasks) == 0 {
		return fmt.Errorf("flow %s: at least one task is required", f.ID)
	}
	seen := map[string]struct{}{}
	if err := validateTasks(f.ID, "tasks", f.Tasks, seen); err != nil {
		return err
	}
	return validateTasks(f.ID, "errors", f.Errors, seen)
}

// Normalized clones the flow, trims identifiers, defaults flowable types, and
// validates the result.
func (f Flow) Normalized() (Flow, error) {
	clone := f.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	clone.Namespace = strings.TrimSpace(clone.Namespace)
	clone.TenantID = strings.TrimSpace(clone.TenantID)
	normalizeTasks(clone.Tasks)
	normalizeTasks(clone.Errors)
	if err := clone.Validate(); err != nil {
		return Flow{}, err
	}
	return clone, nil
}

// Find looks up a task anywhere in the flow tree.
func (f Flow) Find(taskID string) (Task, bool) {
	if task, ok := findTask(f.Tasks, taskID); ok {
		return task, true
	}
	return findTask(f.Errors, taskID)
}

// TaskIDs returns every task id declared in the flow, sorted.
func (f Flow) TaskIDs() []string {
	var ids []string
	var walk func([]Task)
	walk = func(tasks []Task) {
		for _, task := range tasks {
			ids = append(ids, task.ID)
			walk(task.Tasks)
			walk(task.Errors)
		}
	}
	walk(f.Tasks)
	walk(f.Errors)
	sort.Strings(ids)
	return ids
}

func validateTasks(flowID, list string, tasks []Task, seen map[string]struct{}) error {
	for idx, task := range tasks {
		if task.ID == "" {
			return fmt.Errorf("flow %s %s[%d]: id is required", flowID, list, idx)
		}
		if task.Type == "" {
			return fmt.Errorf("flow %s task %s: type is required", flowID, task.ID)
		}
		if _, exists := seen[task.ID]; exists {
			return fmt.Errorf("flow %s: duplicate task id %s", flowID, task.ID)
		}
		seen[task.ID] = struct{}{}
		if task.IsFlowable() {
			if len(task.Tasks) == 0 {
				return fmt.Errorf("flow %s task %s: sequential task requires child tasks", flowID, task.ID)
			}
		} else if len(task.Errors) > 0 {
			return fmt.Errorf("flow %s task %s: only sequential tasks may declare errors", flowID, task.ID)
		}
		if err := validateTasks(flowID, task.ID+".tasks", task.Tasks, seen); err != nil {
			return err
		}
		if err := validateTasks(flowID, task.ID+".errors", task.Errors, seen); err != nil {
			return err
		}
	}
	return nil
}

func normalizeTasks(tasks []Task) {
	for i := range tasks {
		tasks[i].ID = strings.TrimSpace(tasks[i].ID)
		tasks[i].Type = strings.ToLower(strings.TrimSpace(tasks[i].Type))
		if tasks[i].Type == "" && len(tasks[i].Tasks) > 0 {
			tasks[i].Type = TypeSequential
		}
		normalizeTasks(tasks[i].Tasks)
		normalizeTasks(tasks[i].Errors)
	}
}

func findTask(tasks []Task, id string) (Task, bool) {
	for _, task := range tasks {
		if task.ID == id {
			return task, true
		}
		if found, ok := findTask(task.Tasks, id); ok {
			return found, true
		}
		if found, ok := findTask(task.Errors, id); ok {
			return found, true
		}
	}
	return Task{}, false
}

func cloneTasks(tasks []Task) []Task {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, task := range tasks {
		out[i] = task.Clone()
	}
	return out
}
