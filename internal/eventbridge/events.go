// Package eventbridge accepts task run state reports from runners outside the
// process over HTTP and feeds them to the engine, one execution at a time.
package eventbridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/flowstate/internal/engine"
	"github.com/kingrea/flowstate/internal/state"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the currently supported inbound event version.
	EventSchemaVersion = 1
)

// TaskRunEvent reports a state change of one task run.
type TaskRunEvent struct {
	Version     int                `json:"version" msgpack:"version"`
	EventID     string             `json:"event_id" msgpack:"event_id"`
	ExecutionID string             `json:"execution_id" msgpack:"execution_id"`
	TaskRunID   string             `json:"task_run_id" msgpack:"task_run_id"`
	State       state.State        `json:"state" msgpack:"state"`
	Message     string             `json:"message,omitempty" msgpack:"message,omitempty"`
	Outputs     map[string]any     `json:"outputs,omitempty" msgpack:"outputs,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty" msgpack:"metrics,omitempty"`
	ClientTime  time.Time          `json:"client_time" msgpack:"client_time"`
	ServerTime  time.Time          `json:"server_time" msgpack:"server_time"`
}

// Normalize applies defaults and canonical formatting before validation.
func (e *TaskRunEvent) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	e.ExecutionID = strings.TrimSpace(e.ExecutionID)
	e.TaskRunID = strings.TrimSpace(e.TaskRunID)
	e.State = state.State(strings.ToUpper(strings.TrimSpace(string(e.State))))
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *TaskRunEvent) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces baseline schema requirements for incoming events.
func (e TaskRunEvent) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.ExecutionID == "" {
		return errors.New("execution_id is required")
	}
	if e.TaskRunID == "" {
		return errors.New("task_run_id is required")
	}
	if !e.State.Valid() {
		return fmt.Errorf("state %q is not a known state", e.State)
	}
	if e.State == state.Created {
		return errors.New("state CREATED cannot be reported")
	}
	return nil
}

// Result converts the event into the engine's result form.
func (e TaskRunEvent) Result() engine.TaskRunResult {
	return engine.TaskRunResult{
		TaskRunID: e.TaskRunID,
		State:     e.State,
		Message:   e.Message,
		Outputs:   e.Outputs,
		Metrics:   e.Metrics,
	}
}

// EventProcessor consumes validated events.
type EventProcessor interface {
	HandleEvent(TaskRunEvent) error
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(TaskRunEvent) error

// HandleEvent executes f(e).
func (f EventProcessorFunc) HandleEvent(e TaskRunEvent) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type healthResponse struct {
	Status        string `json:"status" msgpack:"status"`
	Version       string `json:"version" msgpack:"version"`
	RouterReady   bool   `json:"router_ready" msgpack:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds" msgpack:"uptime_seconds"`
}

type eventResponse struct {
	Status     string    `json:"status" msgpack:"status"`
	ServerTime time.Time `json:"server_time" msgpack:"server_time"`
}
