// Package worker runs claimed task runs and reports their results back to the
// engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/flowstate/internal/engine"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
	"github.com/kingrea/flowstate/internal/task"
)

// DefaultConcurrency bounds how many task runs a pool executes at once.
const DefaultConcurrency = 4

// Engine is the part of the engine a pool talks to.
type Engine interface {
	Claim(ctx context.Context, req engine.ClaimRequest) (engine.ClaimResult, error)
	Update(ctx context.Context, req engine.UpdateRequest) (store.Record, error)
	View(ctx context.Context, executionID string) (store.Record, error)
}

// Logbooks hands out the task log of an execution.
type Logbooks interface {
	Logbook(executionID string) (*logbook.Logbook, error)
}

// Logger is the minimal logging surface the pool needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Pool executes task runs with bounded concurrency.
type Pool struct {
	engine       Engine
	registry     *task.Registry
	logbooks     Logbooks
	renderer     *render.Renderer
	logger       Logger
	concurrency  int
	pollInterval time.Duration
}

// Option customizes a Pool.
type Option func(*Pool)

// WithConcurrency caps parallel task runs. Values below one are ignored.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogbooks gives tasks access to the execution logbook.
func WithLogbooks(l Logbooks) Option {
	return func(p *Pool) { p.logbooks = l }
}

// WithRenderer sets the renderer handed to tasks.
func WithRenderer(r *render.Renderer) Option {
	return func(p *Pool) {
		if r != nil {
			p.renderer = r
		}
	}
}

// WithLogger routes pool diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPollInterval sets how long RunUntilDone waits when nothing is
// claimable, e.g. while task runs are reported through the event bridge.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// New builds a pool.
func New(eng Engine, registry *task.Registry, opts ...Option) (*Pool, error) {
	if eng == nil {
		return nil, fmt.Errorf("worker: engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("worker: task registry is required")
	}
	p := &Pool{
		engine:       eng,
		registry:     registry,
		renderer:     render.New(),
		logger:       nopLogger{},
		concurrency:  DefaultConcurrency,
		pollInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RunUntilDone claims, executes and reports task runs of one execution until
// it terminates or ctx is cancelled.
func (p *Pool) RunUntilDone(ctx context.Context, executionID string) (store.Record, error) {
	for {
		claim, err := p.engine.Claim(ctx, engine.ClaimRequest{ExecutionID: executionID})
		if err != nil {
			return store.Record{}, err
		}
		if claim.Record.Execution.IsTerminated() {
			return claim.Record, nil
		}
		if len(claim.Claims) == 0 {
			select {
			case <-ctx.Done():
				return claim.Record, ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}
		results := p.Execute(ctx, claim)
		// Results of cancelled runs still have to reach the engine.
		rec, err := p.engine.Update(context.WithoutCancel(ctx), engine.UpdateRequest{ExecutionID: executionID, Results: results})
		if err != nil {
			return store.Record{}, err
		}
		if rec.Execution.IsTerminated() {
			return rec, nil
		}
		if err := ctx.Err(); err != nil {
			return rec, err
		}
	}
}

// Execute runs every claim and returns one result per claim, in claim order.
// A failing task never cancels its siblings.
func (p *Pool) Execute(ctx context.Context, claim engine.ClaimResult) []engine.TaskRunResult {
	results := make([]engine.TaskRunResult, len(claim.Claims))
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, work := range claim.Claims {
		g.Go(func() error {
			results[i] = p.run(ctx, claim.Record, work)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) run(ctx context.Context, rec store.Record, work engine.WorkClaim) (result engine.TaskRunResult) {
	result.TaskRunID = work.TaskRun.ID
	var book *logbook.Logbook
	if p.logbooks != nil {
		var err error
		if book, err = p.logbooks.Logbook(work.ExecutionID); err != nil {
			p.logger.Printf("worker: logbook for %s: %v", work.ExecutionID, err)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			result = failed(work, fmt.Sprintf("task panicked: %v", r))
			_ = book.Write(logbook.LevelError, work.Task.ID, result.Message)
		}
	}()

	runnable, err := p.registry.Resolve(work.Task)
	if err != nil {
		_ = book.Write(logbook.LevelError, work.Task.ID, err.Error())
		return failed(work, err.Error())
	}
	rc := &task.RunContext{
		Execution: rec.Execution,
		TaskRun:   work.TaskRun,
		Flow:      rec.Flow,
		Task:      work.Task,
		Renderer:  p.renderer,
		Logbook:   book,
	}
	started := time.Now()
	out, err := runnable.Run(ctx, rc)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.logger.Printf("worker: %s/%s killed after %s", work.ExecutionID, work.Task.ID, elapsed)
			return engine.TaskRunResult{TaskRunID: work.TaskRun.ID, State: state.Killed, Message: err.Error()}
		}
		p.logger.Printf("worker: %s/%s failed after %s: %v", work.ExecutionID, work.Task.ID, elapsed, err)
		return failed(work, err.Error())
	}
	p.logger.Printf("worker: %s/%s ended %s after %s", work.ExecutionID, work.Task.ID, out.FinalState(), elapsed)
	return engine.TaskRunResult{
		TaskRunID: work.TaskRun.ID,
		State:     out.FinalState(),
		Message:   out.Message,
		Outputs:   out.Values,
		Metrics:   out.Metrics,
	}
}

func failed(work engine.WorkClaim, message string) engine.TaskRunResult {
	return engine.TaskRunResult{TaskRunID: work.TaskRun.ID, State: state.Failed, Message: message}
}
