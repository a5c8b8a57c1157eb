package task

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/logbook"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/state"
)

type memoryFiles struct {
	files map[string]string
}

func (m *memoryFiles) PutFile(executionID, name string, data []byte) error {
	if m.files == nil {
		m.files = map[string]string{}
	}
	m.files[executionID+"/"+name] = string(data)
	return nil
}

func newRegistry(t *testing.T, files FileWriter) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, files); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	return reg
}

func newRunContext(t *testing.T, def flow.Task) (*RunContext, *logbook.Logbook) {
	t.Helper()
	f := flow.Flow{ID: "hello", Namespace: "company.team", Tasks: []flow.Task{def}}
	exec := execution.New(f, time.Now())
	tr := exec.NewTaskRun(flow.ResolvedTask{Task: def}, time.Now())
	if err := exec.Append(tr); err != nil {
		t.Fatalf("append: %v", err)
	}
	book, err := logbook.New(t.TempDir() + "/exec.log")
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	return &RunContext{Execution: exec, TaskRun: tr, Flow: f, Task: def, Renderer: render.New(), Logbook: book}, book
}

func run(t *testing.T, reg *Registry, def flow.Task) (*RunContext, *logbook.Logbook, Output, error) {
	t.Helper()
	runnable, err := reg.Resolve(def)
	if err != nil {
		t.Fatalf("resolve %s: %v", def.ID, err)
	}
	rc, book := newRunContext(t, def)
	out, runErr := runnable.Run(context.Background(), rc)
	return rc, book, out, runErr
}

func TestRegistryRejectsDuplicatesAndReserved(t *testing.T) {
	reg := newRegistry(t, nil)
	if err := reg.Register(TypeLog, newLogTask); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if err := reg.Register(flow.TypeSequential, newLogTask); err == nil {
		t.Fatalf("expected sequential to be reserved")
	}
	if got := strings.Join(reg.Types(), ","); got != "fail,log,sleep" {
		t.Fatalf("unexpected types %s", got)
	}
	if _, err := reg.Resolve(flow.Task{ID: "x", Type: "nope"}); err == nil {
		t.Fatalf("expected unknown type to fail")
	}
}

func TestRegistryValidateWalksTree(t *testing.T) {
	reg := newRegistry(t, nil)
	def := flow.Flow{
		ID: "f", Namespace: "ns",
		Tasks: []flow.Task{{ID: "group", Type: flow.TypeSequential, Tasks: []flow.Task{{ID: "inner", Type: "mystery"}}}},
		Errors: []flow.Task{{ID: "alert", Type: TypeLog}},
	}
	err := reg.Validate(def)
	if err == nil || !strings.Contains(err.Error(), "inner (mystery)") {
		t.Fatalf("expected unknown inner type, got %v", err)
	}
}

func TestLogTaskRendersAndWrites(t *testing.T) {
	reg := newRegistry(t, nil)
	_, book, out, err := run(t, reg, flow.Task{ID: "hello", Type: TypeLog, Config: flow.Config{"message": "hi from ${flow.namespace}"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FinalState() != state.Success {
		t.Fatalf("expected SUCCESS, got %s", out.FinalState())
	}
	lines := book.Tail(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "[hello] hi from company.team") {
		t.Fatalf("unexpected logbook %v", lines)
	}
}

func TestLogTaskWarnLevelEndsInWarning(t *testing.T) {
	reg := newRegistry(t, nil)
	_, _, out, err := run(t, reg, flow.Task{ID: "w", Type: TypeLog, Config: flow.Config{"message": "careful", "level": "warn"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.FinalState() != state.Warning {
		t.Fatalf("expected WARNING, got %s", out.FinalState())
	}
}

func TestLogTaskRequiresMessage(t *testing.T) {
	if _, err := newRegistry(t, nil).Resolve(flow.Task{ID: "x", Type: TypeLog}); err == nil {
		t.Fatalf("expected missing message to fail")
	}
}

func TestFailTaskReturnsRenderedError(t *testing.T) {
	reg := newRegistry(t, nil)
	_, _, _, err := run(t, reg, flow.Task{ID: "boom", Type: TypeFail, Config: flow.Config{"message": "${upper(flow.id)} broke"}})
	if err == nil || err.Error() != "HELLO broke" {
		t.Fatalf("expected rendered failure, got %v", err)
	}
}

func TestSleepTaskHonorsCancellation(t *testing.T) {
	reg := newRegistry(t, nil)
	def := flow.Task{ID: "nap", Type: TypeSleep, Config: flow.Config{"duration": "1h"}}
	runnable, err := reg.Resolve(def)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rc, _ := newRunContext(t, def)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runnable.Run(ctx, rc); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	short := flow.Task{ID: "blink", Type: TypeSleep, Config: flow.Config{"duration": "1ms"}}
	_, _, out, err := run(t, reg, short)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Values["slept"] != "1ms" {
		t.Fatalf("unexpected outputs %v", out.Values)
	}
}

func TestSleepTaskRequiresDuration(t *testing.T) {
	if _, err := newRegistry(t, nil).Resolve(flow.Task{ID: "x", Type: TypeSleep}); err == nil {
		t.Fatalf("expected missing duration to fail")
	}
}

func TestFileTaskWritesStorage(t *testing.T) {
	files := &memoryFiles{}
	reg := newRegistry(t, files)
	rc, _, out, err := run(t, reg, flow.Task{ID: "dump", Type: TypeFile, Config: flow.Config{
		"name":    "${flow.id}.txt",
		"content": "ns=${flow.namespace}",
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	key := rc.Execution.ID + "/hello.txt"
	if files.files[key] != "ns=company.team" {
		t.Fatalf("unexpected files %v", files.files)
	}
	if out.Metrics["file.bytes"] != float64(len("ns=company.team")) {
		t.Fatalf("unexpected metrics %v", out.Metrics)
	}
}
