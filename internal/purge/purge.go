// Package purge implements the purge task: deleting the executions, logs,
// metrics and stored files of terminated executions older than a cutoff.
package purge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
	"github.com/kingrea/flowstate/internal/task"
)

// Type is the task type the purge task registers under.
const Type = "purge"

// Service performs the actual deletion.
type Service interface {
	Purge(ctx context.Context, req store.PurgeRequest) (store.PurgeResult, error)
}

// Options mirrors the task configuration before rendering.
type Options struct {
	Namespace      string
	FlowID         string
	EndDate        string
	States         []state.State
	PurgeExecution bool
	PurgeLog       bool
	PurgeMetric    bool
	PurgeStorage   bool
}

// Register installs the purge task backed by svc.
func Register(r *task.Registry, svc Service) error {
	if svc == nil {
		return errors.New("purge: service is required")
	}
	return r.Register(Type, func(cfg flow.Config) (task.Runnable, error) {
		opts, err := ParseOptions(cfg)
		if err != nil {
			return nil, err
		}
		return &Task{opts: opts, svc: svc}, nil
	})
}

// ParseOptions reads namespace, flowId, endDate, states and the four
// purge flags, which default to true.
func ParseOptions(cfg flow.Config) (Options, error) {
	var opts Options
	var err error
	if opts.Namespace, err = cfg.String("namespace"); err != nil {
		return Options{}, err
	}
	if opts.FlowID, err = cfg.String("flowId"); err != nil {
		return Options{}, err
	}
	if opts.EndDate, err = cfg.String("endDate"); err != nil {
		return Options{}, err
	}
	if strings.TrimSpace(opts.EndDate) == "" {
		return Options{}, errors.New("purge: endDate is required")
	}
	rawStates, err := cfg.Strings("states")
	if err != nil {
		return Options{}, err
	}
	if opts.States, err = state.ParseList(rawStates); err != nil {
		return Options{}, fmt.Errorf("purge: %w", err)
	}
	for _, s := range opts.States {
		if !s.IsTerminal() {
			return Options{}, fmt.Errorf("purge: state %s is not terminal", s)
		}
	}
	flags := []struct {
		key string
		dst *bool
	}{
		{"purgeExecution", &opts.PurgeExecution},
		{"purgeLog", &opts.PurgeLog},
		{"purgeMetric", &opts.PurgeMetric},
		{"purgeStorage", &opts.PurgeStorage},
	}
	for _, flag := range flags {
		if *flag.dst, err = cfg.Bool(flag.key, true); err != nil {
			return Options{}, err
		}
	}
	return opts, nil
}

// Task is the configured purge task.
type Task struct {
	opts Options
	svc  Service
}

// Run renders the options, purges, and reports the deleted counts.
func (t *Task) Run(ctx context.Context, rc *task.RunContext) (task.Output, error) {
	req, err := t.request(rc)
	if err != nil {
		return task.Output{}, err
	}
	result, err := t.svc.Purge(ctx, req)
	if err != nil {
		return task.Output{}, fmt.Errorf("purge: %w", err)
	}
	rc.Logf(logbook.LevelInfo, "purged %d executions, %d log lines, %d files ended before %s",
		result.ExecutionsCount, result.LogsCount, result.StoragesCount, req.EndDate.Format(time.RFC3339))
	return task.Output{
		Values: map[string]any{
			"executionsCount": result.ExecutionsCount,
			"logsCount":       result.LogsCount,
			"storagesCount":   result.StoragesCount,
		},
		Metrics: map[string]float64{
			"purge.executions": float64(result.ExecutionsCount),
			"purge.logs":       float64(result.LogsCount),
			"purge.storages":   float64(result.StoragesCount),
		},
	}, nil
}

func (t *Task) request(rc *task.RunContext) (store.PurgeRequest, error) {
	namespace, err := rc.Render(t.opts.Namespace)
	if err != nil {
		return store.PurgeRequest{}, err
	}
	flowID, err := rc.Render(t.opts.FlowID)
	if err != nil {
		return store.PurgeRequest{}, err
	}
	rawEnd, err := rc.Render(t.opts.EndDate)
	if err != nil {
		return store.PurgeRequest{}, err
	}
	endDate, err := ParseEndDate(rawEnd)
	if err != nil {
		return store.PurgeRequest{}, err
	}
	return t.opts.Request(rc.Flow.TenantID, namespace, flowID, endDate), nil
}

// Request builds a store request from already rendered values.
func (o Options) Request(tenantID, namespace, flowID string, endDate time.Time) store.PurgeRequest {
	return store.PurgeRequest{
		PurgeExecution: o.PurgeExecution,
		PurgeLog:       o.PurgeLog,
		PurgeMetric:    o.PurgeMetric,
		PurgeStorage:   o.PurgeStorage,
		TenantID:       tenantID,
		Namespace:      strings.TrimSpace(namespace),
		FlowID:         strings.TrimSpace(flowID),
		EndDate:        endDate,
		States:         append([]state.State(nil), o.States...),
	}
}

// ParseEndDate accepts RFC3339 timestamps with or without fractional seconds.
func ParseEndDate(raw string) (time.Time, error) {
	end, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("purge: endDate %q: %w", raw, err)
	}
	return end, nil
}
