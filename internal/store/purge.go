package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/state"
)

// PurgeRequest selects terminated executions and the data to delete for them.
type PurgeRequest struct {
	PurgeExecution bool
	PurgeLog       bool
	PurgeMetric    bool
	PurgeStorage   bool

	TenantID string
	// Namespace is a prefix when FlowID is empty and an exact match otherwise.
	Namespace string
	FlowID    string
	// EndDate is the exclusive upper bound on execution end dates.
	EndDate time.Time
	// States restricts the terminal states eligible; empty means any.
	States []state.State
}

// PurgeResult counts what a purge removed.
type PurgeResult struct {
	ExecutionsCount int `json:"executions_count"`
	LogsCount       int `json:"logs_count"`
	StoragesCount   int `json:"storages_count"`
}

// Purge deletes the selected data of every matching execution. Executions
// that have not terminated are never touched.
func (r *Repository) Purge(ctx context.Context, req PurgeRequest) (PurgeResult, error) {
	if req.EndDate.IsZero() {
		return PurgeResult{}, fmt.Errorf("store: purge: end date is required")
	}
	if req.FlowID != "" && req.Namespace == "" {
		return PurgeResult{}, fmt.Errorf("store: purge: namespace is required with flow id %q", req.FlowID)
	}
	records, err := r.List()
	if err != nil {
		return PurgeResult{}, err
	}
	var result PurgeResult
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if !req.Matches(rec.Execution) {
			continue
		}
		id := rec.Execution.ID
		if req.PurgeLog {
			book, err := r.Logbook(id)
			if err != nil {
				return result, err
			}
			removed, err := book.Remove()
			if err != nil {
				return result, err
			}
			result.LogsCount += removed
		}
		if req.PurgeMetric {
			if err := removeIfExists(r.metricsPath(id)); err != nil {
				return result, err
			}
		}
		if req.PurgeStorage {
			files, err := r.Files(id)
			if err != nil {
				return result, err
			}
			if err := os.RemoveAll(r.storagePath(id)); err != nil {
				return result, fmt.Errorf("store: purge storage of %s: %w", id, err)
			}
			result.StoragesCount += len(files)
		}
		if req.PurgeExecution {
			if err := removeIfExists(r.executionPath(id)); err != nil {
				return result, err
			}
			if err := removeIfExists(r.lockPath(id)); err != nil {
				return result, err
			}
			r.mu.Lock()
			delete(r.logbooks, id)
			r.mu.Unlock()
			result.ExecutionsCount++
		}
	}
	return result, nil
}

// Matches reports whether exec falls inside the purge selection.
func (req PurgeRequest) Matches(exec *execution.Execution) bool {
	if exec == nil || !exec.IsTerminated() {
		return false
	}
	if exec.TenantID != req.TenantID {
		return false
	}
	if req.FlowID != "" {
		if exec.Namespace != req.Namespace || exec.FlowID != req.FlowID {
			return false
		}
	} else if !namespaceHasPrefix(exec.Namespace, req.Namespace) {
		return false
	}
	end, ok := exec.State.EndDate()
	if !ok || !end.Before(req.EndDate) {
		return false
	}
	if len(req.States) == 0 {
		return true
	}
	current := exec.Current()
	for _, s := range req.States {
		if s == current {
			return true
		}
	}
	return false
}

func namespaceHasPrefix(namespace, prefix string) bool {
	if prefix == "" || namespace == prefix {
		return true
	}
	return strings.HasPrefix(namespace, prefix+".")
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: remove %s: %w", path, err)
	}
	return nil
}
