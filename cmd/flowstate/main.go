// cmd/flowstate/main.go
//
// Entry point for the flowstate CLI. Every subcommand opens the project in
// the current directory (or -project), wires the store, task registry and
// engine, and then does one thing:
//
//	flowstate init                     create .flowstate/config.yaml
//	flowstate run [-var k=v] <flow>    start a flow and run it to the end
//	flowstate show [-json] <id>        print an execution
//	flowstate kill <id>                stop an execution
//	flowstate purge [flags]            delete old terminated executions
//	flowstate serve                    accept task run reports over HTTP
//	flowstate watch <id>               follow an execution in the terminal
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kingrea/flowstate/internal/config"
	"github.com/kingrea/flowstate/internal/engine"
	"github.com/kingrea/flowstate/internal/logging"
	"github.com/kingrea/flowstate/internal/purge"
	"github.com/kingrea/flowstate/internal/store"
	"github.com/kingrea/flowstate/internal/task"
)

const usage = `usage: flowstate [-project dir] <command> [flags] [args]

commands:
  init                 create .flowstate/config.yaml with defaults
  run <flow>           start a flow file (or a name under flows_dir) and run it locally
  show <execution>     print an execution and its task runs
  kill <execution>     kill a running execution
  purge                delete terminated executions and their data
  serve                start the event bridge for external runners
  watch <execution>    follow an execution in a terminal UI
`

func main() {
	global := flag.NewFlagSet("flowstate", flag.ExitOnError)
	projectDir := global.String("project", "", "path to the project directory (defaults to cwd)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])
	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	project := resolveProject(*projectDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	if command == "init" {
		if err := config.InitDir(project); err != nil {
			die("init: %v", err)
		}
		fmt.Printf("Initialized %s\n", filepath.Join(project, config.ProjectDirName))
		return
	}

	a, err := openApp(project)
	if err != nil {
		die("%v", err)
	}
	defer a.close()

	switch command {
	case "run":
		err = a.run(ctx, rest)
	case "show":
		err = a.show(ctx, rest)
	case "kill":
		err = a.kill(ctx, rest)
	case "purge":
		err = a.purge(ctx, rest)
	case "serve":
		err = a.serve(ctx, rest)
	case "watch":
		err = a.watch(rest)
	default:
		global.Usage()
		a.close()
		os.Exit(2)
	}
	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			a.close()
			os.Exit(int(exit))
		}
		a.close()
		die("%s: %v", command, err)
	}
}

// app holds the services every subcommand shares.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	repo     *store.Repository
	registry *task.Registry
	engine   *engine.Engine
}

func openApp(project string) (*app, error) {
	cfg, err := config.Load(project)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.DataDir())
	if err != nil {
		return nil, err
	}
	repo, err := store.NewRepository(cfg.DataDir())
	if err != nil {
		log.Close()
		return nil, err
	}
	registry := task.NewRegistry()
	if err := task.RegisterBuiltins(registry, repo); err != nil {
		log.Close()
		return nil, err
	}
	if err := purge.Register(registry, repo); err != nil {
		log.Close()
		return nil, err
	}
	eng, err := engine.New(repo,
		engine.WithLogger(log.With("engine")),
		engine.WithFlowValidator(registry),
	)
	if err != nil {
		log.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, repo: repo, registry: registry, engine: eng}, nil
}

func (a *app) close() {
	if a != nil {
		_ = a.log.Close()
	}
}

// exitError ends the process with a status code and no message.
type exitError int

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func resolveProject(dir string) string {
	project := strings.TrimSpace(dir)
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	return abs
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
