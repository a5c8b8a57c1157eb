package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/flowstate/internal/eventbridge"
	"github.com/kingrea/flowstate/internal/flow"
	"github.com/kingrea/flowstate/internal/purge"
	"github.com/kingrea/flowstate/internal/state"
	"github.com/kingrea/flowstate/internal/store"
	"github.com/kingrea/flowstate/internal/tui"
	"github.com/kingrea/flowstate/internal/worker"
)

func (a *app) run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	workers := flags.Int("workers", a.cfg.Concurrency(), "task runs executed in parallel")
	timeout := flags.Duration("timeout", 0, "kill the execution after this long (0 disables)")
	vars := keyValueFlag{}
	flags.Var(&vars, "var", "flow variable override (key=value, repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("expected exactly one flow file or name")
	}
	def, err := a.loadFlow(flags.Arg(0))
	if err != nil {
		return err
	}
	if len(vars) > 0 {
		if def.Variables == nil {
			def.Variables = map[string]string{}
		}
		for key, value := range vars {
			def.Variables[key] = value
		}
	}

	pool, err := worker.New(a.engine, a.registry,
		worker.WithConcurrency(*workers),
		worker.WithLogbooks(a.repo),
		worker.WithLogger(a.log.With("worker")),
	)
	if err != nil {
		return err
	}
	rec, err := a.engine.Start(ctx, def)
	if err != nil {
		return err
	}
	fmt.Printf("Started execution %s of %s.%s\n", rec.Execution.ID, def.Namespace, def.ID)

	runCtx := ctx
	if *timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	final, runErr := pool.RunUntilDone(runCtx, rec.Execution.ID)
	if runErr != nil && final.Execution != nil && !final.Execution.IsTerminated() {
		// interrupted between claims: nothing is in flight any more
		if killed, err := a.engine.Kill(context.Background(), rec.Execution.ID); err == nil {
			final = killed
		}
	}
	if final.Execution == nil {
		return runErr
	}
	printRecord(final)
	if current := final.Execution.Current(); current.IsFailed() {
		return exitError(1)
	}
	return nil
}

// loadFlow accepts a path to a YAML file or a flow name relative to the
// configured flows directory, with or without extension.
func (a *app) loadFlow(ref string) (flow.Flow, error) {
	if _, err := os.Stat(ref); err == nil {
		return flow.LoadFile(ref)
	}
	candidates := []string{ref}
	if filepath.Ext(ref) == "" {
		candidates = append(candidates, ref+".yaml", ref+".yml")
	}
	for _, name := range candidates {
		def, err := flow.LoadRelative(a.cfg.FlowsDir(), name)
		if err == nil {
			return def, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return flow.Flow{}, err
		}
	}
	return flow.Flow{}, fmt.Errorf("flow %q not found as a file or under %s", ref, a.cfg.FlowsDir())
}

func (a *app) show(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("show", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "print the raw execution record")
	logLines := flags.Int("logs", 20, "logbook lines to print (0 disables)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("expected an execution id")
	}
	rec, err := a.engine.View(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	printRecord(rec)
	if *logLines > 0 {
		book, err := a.repo.Logbook(rec.Execution.ID)
		if err != nil {
			return err
		}
		if lines := book.Tail(*logLines); len(lines) > 0 {
			fmt.Println()
			fmt.Println(strings.Join(lines, "\n"))
		}
	}
	return nil
}

func (a *app) kill(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("expected an execution id")
	}
	rec, err := a.engine.Kill(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Execution %s %s\n", rec.Execution.ID, rec.Execution.Current())
	return nil
}

func (a *app) purge(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("purge", flag.ContinueOnError)
	namespace := flags.String("namespace", "", "namespace (prefix unless -flow is set)")
	flowID := flags.String("flow", "", "flow id; requires -namespace")
	tenant := flags.String("tenant", "", "tenant id")
	before := flags.String("before", "", "purge executions ended before this RFC3339 time (default now)")
	olderThan := flags.Duration("older-than", 0, "purge executions ended more than this long ago")
	states := flags.String("states", "", "comma separated terminal states (default from config)")
	opts := purge.Options{}
	flags.BoolVar(&opts.PurgeExecution, "executions", true, "delete execution records")
	flags.BoolVar(&opts.PurgeLog, "logs", true, "delete logbooks")
	flags.BoolVar(&opts.PurgeMetric, "metrics", true, "delete metrics")
	flags.BoolVar(&opts.PurgeStorage, "storage", true, "delete stored files")
	if err := flags.Parse(args); err != nil {
		return err
	}

	end := time.Now().UTC()
	switch {
	case *before != "" && *olderThan > 0:
		return errors.New("-before and -older-than are exclusive")
	case *before != "":
		parsed, err := purge.ParseEndDate(*before)
		if err != nil {
			return err
		}
		end = parsed
	case *olderThan > 0:
		end = end.Add(-*olderThan)
	}

	var err error
	if strings.TrimSpace(*states) != "" {
		opts.States, err = state.ParseList(strings.Split(*states, ","))
	} else {
		opts.States, err = a.cfg.PurgeStates()
	}
	if err != nil {
		return err
	}
	for _, s := range opts.States {
		if !s.IsTerminal() {
			return fmt.Errorf("state %s is not terminal", s)
		}
	}

	result, err := a.repo.Purge(ctx, opts.Request(*tenant, *namespace, *flowID, end))
	if err != nil {
		return err
	}
	a.log.With("purge").Printf("purged %d executions, %d log lines, %d files before %s",
		result.ExecutionsCount, result.LogsCount, result.StoragesCount, end.Format(time.RFC3339))
	fmt.Printf("Purged %d executions, %d log lines, %d stored files\n",
		result.ExecutionsCount, result.LogsCount, result.StoragesCount)
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	settings := eventbridge.SettingsFromConfig(a.cfg)
	router := eventbridge.NewRouter(settings.RouterOptions(a.log.With("router"))...)
	follower, err := eventbridge.NewFollower(router, a.engine, a.log.With("follower"))
	if err != nil {
		return err
	}
	records, err := a.repo.List()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !rec.Execution.IsTerminated() {
			follower.Track(ctx, rec.Execution.ID)
		}
	}
	srv := eventbridge.NewServer(settings,
		eventbridge.WithProcessor(follower.Processor(ctx)),
		eventbridge.WithViewer(a.engine),
		eventbridge.WithLogger(a.log.With("bridge")),
	)
	if err := srv.Start(ctx); err != nil {
		if errors.Is(err, eventbridge.ErrServerDisabled) {
			return errors.New("event bridge is disabled (bridge.enabled or FLOWSTATE_BRIDGE_ENABLED)")
		}
		return err
	}
	fmt.Printf("Event bridge listening on %s\n", srv.BaseURL())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	follower.Wait()
	return nil
}

func (a *app) watch(args []string) error {
	if len(args) != 1 {
		return errors.New("expected an execution id")
	}
	model, err := tui.New(a.engine, args[0],
		tui.WithKiller(a.engine),
		tui.WithLogbooks(a.repo),
	)
	if err != nil {
		return err
	}
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return err
	}
	if rec := model.Record(); rec.Execution != nil {
		printRecord(rec)
	}
	return nil
}

func printRecord(rec store.Record) {
	exec := rec.Execution
	fmt.Printf("Execution %s  %s.%s  %s  (%s)\n", exec.ID, exec.Namespace, exec.FlowID,
		exec.Current(), exec.State.Duration(time.Now()).Round(time.Millisecond))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tVALUE\tSTATE\tATTEMPTS\tMESSAGE")
	for _, tr := range exec.TaskRuns {
		name := tr.TaskID
		if tr.ParentTaskRunID != "" {
			if parent, ok := exec.TaskRun(tr.ParentTaskRunID); ok {
				name = parent.TaskID + "/" + tr.TaskID
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", name, tr.Value, tr.Current(), tr.Attempts, tr.Message)
	}
	_ = tw.Flush()
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("variable name is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = parts[1]
	return nil
}
