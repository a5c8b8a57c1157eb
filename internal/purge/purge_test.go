package purge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/flowstate/internal/execution"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/render"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
	"github.com/kingrea/flowstate/internal/task"
)

var now = time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

type recordingService struct {
	got    store.PurgeRequest
	result store.PurgeResult
	err    error
}

func (s *recordingService) Purge(_ context.Context, req store.PurgeRequest) (store.PurgeResult, error) {
	s.got = req
	return s.result, s.err
}

func runContext(t *testing.T, def flow.Task, tenant string) *task.RunContext {
	t.Helper()
	f := flow.Flow{ID: "maintenance", Namespace: "company.ops", TenantID: tenant, Tasks: []flow.Task{def}}
	exec := execution.New(f, now)
	tr := exec.NewTaskRun(flow.ResolvedTask{Task: def}, now)
	require.NoError(t, exec.Append(tr))
	return &task.RunContext{
		Execution: exec,
		TaskRun:   tr,
		Flow:      f,
		Task:      def,
		Renderer:  render.New(render.WithClock(func() time.Time { return now })),
	}
}

func resolve(t *testing.T, svc Service, cfg flow.Config) (task.Runnable, flow.Task) {
	t.Helper()
	reg := task.NewRegistry()
	require.NoError(t, Register(reg, svc))
	def := flow.Task{ID: "purge", Type: Type, Config: cfg}
	runnable, err := reg.Resolve(def)
	require.NoError(t, err)
	return runnable, def
}

func TestParseOptionsDefaults(t *testing.T) {
	opts, err := ParseOptions(flow.Config{"endDate": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.True(t, opts.PurgeExecution)
	require.True(t, opts.PurgeLog)
	require.True(t, opts.PurgeMetric)
	require.True(t, opts.PurgeStorage)
	require.Empty(t, opts.States)
}

func TestParseOptionsValidation(t *testing.T) {
	_, err := ParseOptions(flow.Config{})
	require.Error(t, err, "endDate is required")

	_, err = ParseOptions(flow.Config{"endDate": "x", "states": []any{"RUNNING"}})
	require.Error(t, err, "non terminal states are rejected")

	_, err = ParseOptions(flow.Config{"endDate": "x", "purgeLog": "maybe"})
	require.Error(t, err)

	opts, err := ParseOptions(flow.Config{"endDate": "x", "states": []any{"failed", "killed"}, "purgeStorage": false})
	require.NoError(t, err)
	require.Equal(t, []state.State{state.Failed, state.Killed}, opts.States)
	require.False(t, opts.PurgeStorage)
}

func TestRunRendersRequestAndReportsCounts(t *testing.T) {
	svc := &recordingService{result: store.PurgeResult{ExecutionsCount: 2, LogsCount: 7, StoragesCount: 1}}
	runnable, def := resolve(t, svc, flow.Config{
		"namespace": "${flow.namespace}",
		"endDate":   `${timeadd(now(), "-720h")}`,
		"states":    []any{"SUCCESS"},
		"purgeLog":  false,
	})

	out, err := runnable.Run(context.Background(), runContext(t, def, "main"))
	require.NoError(t, err)

	require.Equal(t, store.PurgeRequest{
		PurgeExecution: true,
		PurgeLog:       false,
		PurgeMetric:    true,
		PurgeStorage:   true,
		TenantID:       "main",
		Namespace:      "company.ops",
		EndDate:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		States:         []state.State{state.Success},
	}, svc.got)
	require.Equal(t, map[string]any{"executionsCount": 2, "logsCount": 7, "storagesCount": 1}, out.Values)
	require.Equal(t, state.Success, out.FinalState())
}

func TestRunPropagatesFailures(t *testing.T) {
	svc := &recordingService{err: errors.New("disk full")}
	runnable, def := resolve(t, svc, flow.Config{"endDate": "2024-01-01T00:00:00Z"})
	_, err := runnable.Run(context.Background(), runContext(t, def, ""))
	require.ErrorContains(t, err, "disk full")

	runnable, def = resolve(t, &recordingService{}, flow.Config{"endDate": "last tuesday"})
	_, err = runnable.Run(context.Background(), runContext(t, def, ""))
	require.ErrorContains(t, err, "endDate")
}

func TestRunAgainstRepository(t *testing.T) {
	repo, err := store.NewRepository(t.TempDir())
	require.NoError(t, err)

	def := flow.Flow{ID: "etl", Namespace: "company.ops.daily", Tasks: []flow.Task{{ID: "a", Type: "log"}}}
	old := execution.New(def, now.AddDate(0, -2, 0))
	require.NoError(t, old.State.Transition(state.Running, now.AddDate(0, -2, 0)))
	require.NoError(t, old.State.Transition(state.Success, now.AddDate(0, -2, 0)))
	require.NoError(t, repo.Save(store.Record{Flow: def, Execution: old}))
	require.NoError(t, repo.PutFile(old.ID, "report.csv", []byte("a,b")))

	fresh := execution.New(def, now)
	require.NoError(t, fresh.State.Transition(state.Running, now))
	require.NoError(t, fresh.State.Transition(state.Success, now))
	require.NoError(t, repo.Save(store.Record{Flow: def, Execution: fresh}))

	runnable, taskDef := resolve(t, repo, flow.Config{
		"namespace": "company.ops",
		"endDate":   `${timeadd(now(), "-720h")}`,
	})
	out, err := runnable.Run(context.Background(), runContext(t, taskDef, ""))
	require.NoError(t, err)
	require.Equal(t, 1, out.Values["executionsCount"])
	require.Equal(t, 1, out.Values["storagesCount"])

	_, err = repo.Load(old.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = repo.Load(fresh.ID)
	require.NoError(t, err)
}
