package flow

// ResolvedTask is a concrete task ready to be turned into a task run. Value
// holds the loop value the task was expanded from, if any; ParentID is the
// parent task run id ("" for the execution root).
type ResolvedTask struct {
	Task     Task   `json:"task"`
	Value    string `json:"value,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
}

// Key identifies the resolved task inside its scope.
func (rt ResolvedTask) Key() string {
	if rt.Value == "" {
		return rt.Task.ID
	}
	return rt.Task.ID + "[" + rt.Value + "]"
}

// Resolve wraps tasks as resolved tasks under the given parent task run.
func Resolve(tasks []Task, parentID string) []ResolvedTask {
	return ResolveWithValue(tasks, "", parentID)
}

// ResolveWithValue wraps tasks as resolved tasks carrying a loop value.
func ResolveWithValue(tasks []Task, value, parentID string) []ResolvedTask {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]ResolvedTask, len(tasks))
	for i, task := range tasks {
		out[i] = ResolvedTask{Task: task, Value: value, ParentID: parentID}
	}
	return out
}
