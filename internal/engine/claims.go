package engine

import (
	"context"
	"fmt"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
)

// ClaimRequest asks the engine to reserve created task runs for execution.
type ClaimRequest struct {
	ExecutionID string
	// Limit caps how many task runs may be claimed at once. Zero means "all".
	Limit int
}

// WorkClaim describes a task run that has been reserved for a worker.
type WorkClaim struct {
	ExecutionID string             `json:"execution_id"`
	TaskRun     *execution.TaskRun `json:"task_run"`
	Task        flow.Task          `json:"task"`
}

// ClaimResult returns the reserved task runs plus the snapshot they were
// claimed from.
type ClaimResult struct {
	Claims []WorkClaim
	Record store.Record
}

// Claim moves created, non-flowable task runs to RUNNING and persists the
// snapshot so other workers do not claim them again.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return ClaimResult{}, err
	}
	var claims []WorkClaim
	rec, err := e.mutate(req.ExecutionID, func(rec store.Record) error {
		claims = claims[:0]
		if rec.Execution.IsTerminated() {
			return nil
		}
		now := e.now()
		for _, tr := range rec.Execution.TaskRuns {
			if req.Limit > 0 && len(claims) >= req.Limit {
				break
			}
			if tr.Current() != state.Created {
				continue
			}
			def, ok := rec.Flow.Find(tr.TaskID)
			if !ok {
				return fmt.Errorf("engine: execution %s: task %s is not declared in the flow", rec.Execution.ID, tr.TaskID)
			}
			if def.IsFlowable() {
				continue
			}
			if err := tr.State.Transition(state.Running, now); err != nil {
				return err
			}
			tr.Attempts++
			claims = append(claims, WorkClaim{ExecutionID: rec.Execution.ID, TaskRun: tr, Task: def})
		}
		return nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	for i := range claims {
		claims[i].TaskRun = claims[i].TaskRun.Clone()
		claims[i].Task = claims[i].Task.Clone()
	}
	return ClaimResult{Claims: claims, Record: rec}, nil
}
