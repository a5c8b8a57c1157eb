package render

import (
	"github.com/kingrea/flowstate/internal/execution"
)

// ExecutionVariables exposes an execution to templates:
//
//	flow.{id,namespace,tenant_id}
//	execution.{id,state,start_date}
//	vars.<name>
//	outputs.<task id>.<key>  (latest terminal task run per task id)
//	taskrun.{id,task_id,value,attempts}  (only when tr is non-nil)
func ExecutionVariables(exec *execution.Execution, tr *execution.TaskRun) Variables {
	if exec == nil {
		return Variables{}
	}
	vars := Variables{
		"flow": map[string]any{
			"id":        exec.FlowID,
			"namespace": exec.Namespace,
			"tenant_id": exec.TenantID,
		},
		"execution": map[string]any{
			"id":         exec.ID,
			"state":      string(exec.Current()),
			"start_date": exec.State.StartDate(),
		},
	}
	flowVars := make(map[string]any, len(exec.Variables))
	for key, value := range exec.Variables {
		flowVars[key] = value
	}
	vars["vars"] = flowVars

	outputs := map[string]any{}
	for _, run := range exec.TaskRuns {
		if len(run.Outputs) == 0 || !run.Current().IsTerminal() {
			continue
		}
		values := make(map[string]any, len(run.Outputs))
		for key, value := range run.Outputs {
			values[key] = value
		}
		outputs[run.TaskID] = values
	}
	vars["outputs"] = outputs

	if tr != nil {
		vars["taskrun"] = map[string]any{
			"id":       tr.ID,
			"task_id":  tr.TaskID,
			"value":    tr.Value,
			"attempts": tr.Attempts,
		}
	}
	return vars
}
