package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/state"
)

// Built-in task types.
const (
	TypeLog   = "log"
	TypeFail  = "fail"
	TypeSleep = "sleep"
	TypeFile  = "file"
)

// FileWriter persists files produced by a task run.
type FileWriter interface {
	PutFile(executionID, name string, data []byte) error
}

// RegisterBuiltins installs log, fail, and sleep. The file task is only
// installed when files is non-nil.
func RegisterBuiltins(r *Registry, files FileWriter) error {
	builtins := map[string]Factory{
		TypeLog:   newLogTask,
		TypeFail:  newFailTask,
		TypeSleep: newSleepTask,
	}
	if files != nil {
		builtins[TypeFile] = func(cfg flow.Config) (Runnable, error) {
			return newFileTask(cfg, files)
		}
	}
	for typ, factory := range builtins {
		if err := r.Register(typ, factory); err != nil {
			return err
		}
	}
	return nil
}

type logTask struct {
	message string
	level   logbook.Level
}

func newLogTask(cfg flow.Config) (Runnable, error) {
	message, err := cfg.String("message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, errors.New("log: message is required")
	}
	rawLevel, err := cfg.String("level")
	if err != nil {
		return nil, err
	}
	level, err := logbook.ParseLevel(rawLevel)
	if err != nil {
		return nil, err
	}
	return &logTask{message: message, level: level}, nil
}

func (t *logTask) Run(_ context.Context, rc *RunContext) (Output, error) {
	rendered, err := rc.Render(t.message)
	if err != nil {
		return Output{}, err
	}
	rc.Logf(t.level, "%s", rendered)
	out := Output{Message: rendered, Values: map[string]any{"message": rendered}}
	if t.level != logbook.LevelInfo {
		out.State = state.Warning
	}
	return out, nil
}

type failTask struct {
	message string
}

func newFailTask(cfg flow.Config) (Runnable, error) {
	message, err := cfg.String("message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		message = "task failed"
	}
	return &failTask{message: message}, nil
}

func (t *failTask) Run(_ context.Context, rc *RunContext) (Output, error) {
	rendered, err := rc.Render(t.message)
	if err != nil {
		return Output{}, err
	}
	rc.Logf(logbook.LevelError, "%s", rendered)
	return Output{}, errors.New(rendered)
}

type sleepTask struct {
	duration time.Duration
}

func newSleepTask(cfg flow.Config) (Runnable, error) {
	d, err := cfg.Duration("duration", 0)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, errors.New("sleep: duration must be positive")
	}
	return &sleepTask{duration: d}, nil
}

func (t *sleepTask) Run(ctx context.Context, _ *RunContext) (Output, error) {
	timer := time.NewTimer(t.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	case <-timer.C:
	}
	return Output{
		Values:  map[string]any{"slept": t.duration.String()},
		Metrics: map[string]float64{"sleep.seconds": t.duration.Seconds()},
	}, nil
}

type fileTask struct {
	name    string
	content string
	files   FileWriter
}

func newFileTask(cfg flow.Config, files FileWriter) (Runnable, error) {
	name, err := cfg.String("name")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("file: name is required")
	}
	content, err := cfg.String("content")
	if err != nil {
		return nil, err
	}
	return &fileTask{name: name, content: content, files: files}, nil
}

func (t *fileTask) Run(_ context.Context, rc *RunContext) (Output, error) {
	name, err := rc.Render(t.name)
	if err != nil {
		return Output{}, err
	}
	content, err := rc.Render(t.content)
	if err != nil {
		return Output{}, err
	}
	if err := t.files.PutFile(rc.Execution.ID, name, []byte(content)); err != nil {
		return Output{}, fmt.Errorf("file: %w", err)
	}
	rc.Logf(logbook.LevelInfo, "wrote %s (%d bytes)", name, len(content))
	return Output{
		Values:  map[string]any{"name": name, "size": len(content)},
		Metrics: map[string]float64{"file.bytes": float64(len(content))},
	}, nil
}
