package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
)

// Store persists execution records. Lock serializes load-change-save
// sequences on one execution across processes and returns the release func.
type Store interface {
	Load(id string) (store.Record, error)
	Save(rec store.Record) error
	Lock(id string) (func(), error)
	AppendMetrics(id string, metrics ...store.Metric) error
}

// Logger is the minimal logging surface the engine needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// FlowValidator rejects flows the workers could not run, e.g. unknown types.
type FlowValidator interface {
	Validate(def flow.Flow) error
}

// Engine advances executions by repeatedly asking the runner what to do next
// and persisting the result.
type Engine struct {
	repo      Store
	clock     func() time.Time
	logger    Logger
	renderer  *render.Renderer
	validator FlowValidator

	mu    sync.Mutex
	locks map[string]*executionLock
}

// executionLock is shared by the callers working on one execution and dropped
// from Engine.locks when the last of them releases it.
type executionLock struct {
	mu   sync.Mutex
	refs int
}

// Option customizes the engine instance.
type Option func(*Engine)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger routes engine diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRenderer sets the renderer handed to scope aggregation.
func WithRenderer(r *render.Renderer) Option {
	return func(e *Engine) {
		if r != nil {
			e.renderer = r
		}
	}
}

// WithFlowValidator checks flows on Start in addition to structural validation.
func WithFlowValidator(v FlowValidator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// New wires an engine to its persistence store.
func New(repo Store, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	e := &Engine{
		repo:   repo,
		clock:  time.Now,
		logger: nopLogger{},
		locks:  make(map[string]*executionLock),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.renderer == nil {
		e.renderer = render.New(render.WithClock(e.clock))
	}
	return e, nil
}

// TaskRunResult reports the outcome, or an intermediate state, of a task run.
type TaskRunResult struct {
	TaskRunID string             `json:"task_run_id"`
	State     state.State        `json:"state"`
	Message   string             `json:"message,omitempty"`
	Outputs   map[string]any     `json:"outputs,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// UpdateRequest applies task run results to one execution.
type UpdateRequest struct {
	ExecutionID string
	Results     []TaskRunResult
}

// Start creates an execution of def, advances it as far as the engine can on
// its own, and persists it.
func (e *Engine) Start(ctx context.Context, def flow.Flow) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	normalized, err := def.Normalized()
	if err != nil {
		return store.Record{}, err
	}
	if e.validator != nil {
		if err := e.validator.Validate(normalized); err != nil {
			return store.Record{}, err
		}
	}
	now := e.now()
	exec := execution.New(normalized, now)
	if err := exec.State.Transition(state.Running, now); err != nil {
		return store.Record{}, err
	}
	rec := store.Record{Flow: normalized, Execution: exec}

	unlock, err := e.acquire(exec.ID)
	if err != nil {
		return store.Record{}, err
	}
	defer unlock()
	if err := e.advance(rec); err != nil {
		return store.Record{}, err
	}
	if err := e.repo.Save(rec); err != nil {
		return store.Record{}, err
	}
	e.logger.Printf("engine: started execution %s of %s.%s", exec.ID, exec.Namespace, exec.FlowID)
	return rec.Clone(), nil
}

// Update merges task run results and advances the execution. Results for task
// runs that already terminated are ignored.
func (e *Engine) Update(ctx context.Context, req UpdateRequest) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	for _, result := range req.Results {
		if !result.State.Valid() {
			return store.Record{}, fmt.Errorf("engine: task run %s: unknown state %q", result.TaskRunID, result.State)
		}
	}
	return e.mutate(req.ExecutionID, func(rec store.Record) error {
		now := e.now()
		var metrics []store.Metric
		for _, result := range req.Results {
			tr, ok := rec.Execution.TaskRun(result.TaskRunID)
			if !ok {
				return fmt.Errorf("engine: execution %s has no task run %s", rec.Execution.ID, result.TaskRunID)
			}
			if tr.Current().IsTerminal() {
				e.logger.Printf("engine: ignoring %s for terminated task run %s (%s)", result.State, tr.ID, tr.Current())
				continue
			}
			if err := applyResult(tr, result, now); err != nil {
				return err
			}
			for name, value := range result.Metrics {
				metrics = append(metrics, store.Metric{TaskRunID: tr.ID, Name: name, Value: value, Timestamp: now})
			}
		}
		if len(metrics) > 0 {
			if err := e.repo.AppendMetrics(rec.Execution.ID, metrics...); err != nil {
				return err
			}
		}
		return e.advance(rec)
	})
}

// Kill stops an execution: every task run still in flight ends KILLED and so
// does the execution. Error handlers are not dispatched.
func (e *Engine) Kill(ctx context.Context, executionID string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	return e.mutate(executionID, func(rec store.Record) error {
		exec := rec.Execution
		if exec.IsTerminated() {
			return fmt.Errorf("engine: execution %s already ended %s", exec.ID, exec.Current())
		}
		now := e.now()
		for _, tr := range exec.Pending() {
			if err := tr.State.Transition(state.Killed, now); err != nil {
				return err
			}
		}
		e.logger.Printf("engine: killed execution %s", exec.ID)
		return exec.State.Transition(state.Killed, now)
	})
}

// View returns the last persisted snapshot of an execution.
func (e *Engine) View(ctx context.Context, executionID string) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, err
	}
	return e.repo.Load(executionID)
}

func (e *Engine) mutate(executionID string, fn func(store.Record) error) (store.Record, error) {
	if strings.TrimSpace(executionID) == "" {
		return store.Record{}, errors.New("engine: execution id is required")
	}
	unlock, err := e.acquire(executionID)
	if err != nil {
		return store.Record{}, err
	}
	defer unlock()
	rec, err := e.repo.Load(executionID)
	if err != nil {
		return store.Record{}, err
	}
	if err := fn(rec); err != nil {
		return store.Record{}, err
	}
	if err := e.repo.Save(rec); err != nil {
		return store.Record{}, err
	}
	return rec.Clone(), nil
}

func applyResult(tr *execution.TaskRun, result TaskRunResult, now time.Time) error {
	if result.State.IsTerminal() && tr.Current() == state.Created {
		if err := tr.State.Transition(state.Running, now); err != nil {
			return err
		}
	}
	if err := tr.State.Transition(result.State, now); err != nil {
		return fmt.Errorf("engine: task run %s: %w", tr.ID, err)
	}
	if result.Message != "" {
		tr.Message = result.Message
	}
	if len(result.Outputs) > 0 {
		if tr.Outputs == nil {
			tr.Outputs = make(map[string]any, len(result.Outputs))
		}
		for key, value := range result.Outputs {
			tr.Outputs[key] = value
		}
	}
	return nil
}

// acquire takes the in-process lock of an execution, then the store lock that
// guards it against other processes.
func (e *Engine) acquire(executionID string) (func(), error) {
	e.mu.Lock()
	lock, ok := e.locks[executionID]
	if !ok {
		lock = &executionLock{}
		e.locks[executionID] = lock
	}
	lock.refs++
	e.mu.Unlock()

	lock.mu.Lock()
	release := func() {
		lock.mu.Unlock()
		e.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(e.locks, executionID)
		}
		e.mu.Unlock()
	}
	unlockStore, err := e.repo.Lock(executionID)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlockStore()
		release()
	}, nil
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}
