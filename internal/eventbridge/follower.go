package eventbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kingrea/flowstate/internal/engine"
	"github.com/kingrea/flowstate/internal/store"
)

// Updater applies task run results to an execution.
type Updater interface {
	Update(ctx context.Context, req engine.UpdateRequest) (store.Record, error)
}

// Follower feeds the events of one execution to the engine, one at a time,
// in the order the router delivered them.
type Follower struct {
	router  *Router
	updater Updater
	logger  Logger

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewFollower binds a router to the engine.
func NewFollower(router *Router, updater Updater, logger Logger) (*Follower, error) {
	if router == nil {
		return nil, fmt.Errorf("eventbridge: router is required")
	}
	if updater == nil {
		return nil, fmt.Errorf("eventbridge: updater is required")
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Follower{router: router, updater: updater, logger: logger, active: map[string]struct{}{}}, nil
}

// Follow applies events for executionID until the execution terminates or
// ctx is done. Rejected events are logged and skipped. The returned record is
// the last snapshot the engine produced, if any.
func (f *Follower) Follow(ctx context.Context, executionID string) (store.Record, error) {
	sub := f.router.Subscribe(executionID)
	defer sub.Close()
	var last store.Record
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case evt, ok := <-sub.Events:
			if !ok {
				return last, nil
			}
			rec, err := f.updater.Update(ctx, engine.UpdateRequest{
				ExecutionID: executionID,
				Results:     []engine.TaskRunResult{evt.Result()},
			})
			if err != nil {
				if ctx.Err() != nil {
					return last, ctx.Err()
				}
				if errors.Is(err, store.ErrNotFound) {
					f.router.Forget(executionID)
					return last, err
				}
				f.logger.Printf("eventbridge: event %s for %s rejected: %v", evt.EventID, executionID, err)
				continue
			}
			last = rec
			if rec.Execution != nil && rec.Execution.IsTerminated() {
				f.logger.Printf("eventbridge: execution %s ended %s", executionID, rec.Execution.Current())
				f.router.Forget(executionID)
				return last, nil
			}
		}
	}
}

// Track starts following executionID in the background unless it is already
// followed. It reports whether a new follower was started.
func (f *Follower) Track(ctx context.Context, executionID string) bool {
	key := normalizeKey(executionID)
	if key == "" {
		return false
	}
	f.mu.Lock()
	if _, ok := f.active[key]; ok {
		f.mu.Unlock()
		return false
	}
	f.active[key] = struct{}{}
	f.mu.Unlock()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.active, key)
			f.mu.Unlock()
		}()
		if _, err := f.Follow(ctx, key); err != nil && ctx.Err() == nil {
			f.logger.Printf("eventbridge: follow %s: %v", key, err)
		}
	}()
	return true
}

// Wait blocks until every tracked follower returned.
func (f *Follower) Wait() {
	f.wg.Wait()
}

// Processor routes each event and makes sure its execution is tracked.
func (f *Follower) Processor(ctx context.Context) EventProcessor {
	return EventProcessorFunc(func(evt TaskRunEvent) error {
		f.router.Route(evt)
		f.Track(ctx, evt.ExecutionID)
		return nil
	})
}
