package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/msageha/foreman/internal/backlog"
	"github.com/msageha/foreman/internal/daemon"
	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/exemplar"
	"github.com/msageha/foreman/internal/executor"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/notify"
	"github.com/msageha/foreman/internal/planner"
	"github.com/msageha/foreman/internal/runner"
	"github.com/msageha/foreman/internal/setup"
	"github.com/msageha/foreman/internal/status"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/uds"
	"github.com/msageha/foreman/internal/worker"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "implement":
		runImplement(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "follow":
		runFollow(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("foreman %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runInit(args []string) {
	projectDir := "."
	var name string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--name requires a value")
				os.Exit(1)
			}
			i++
			name = args[i]
		default:
			projectDir = args[i]
		}
	}

	if err := setup.Run(projectDir, name); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized .foreman/ in %s\n", absDir)
}

func runPlan(args []string) {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: foreman plan \"<requirement>\"")
		os.Exit(1)
	}
	requirement := args[0]

	foremanDir := mustForemanDir()
	st := store.New(foremanDir)
	cfg := mustConfig(st)

	w := mustWorker(cfg)
	ex, err := exemplar.New(cfg.Exemplar)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exemplar store: %v\n", err)
		os.Exit(1)
	}

	p, err := planner.New(st, w, ex, eventSink(foremanDir), cfg.Exemplar.TopK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create planner: %v\n", err)
		os.Exit(1)
	}
	defer p.Close()

	ctx, stop := signalContext()
	defer stop()

	run, err := p.Plan(ctx, requirement)
	if err != nil {
		var verrs *backlog.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprint(os.Stderr, verrs.FormatStderr())
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Planned run %s: %q\n", run.RunID, run.Title)
	fmt.Printf("  %d epics, %d stories\n", len(run.Epics), len(run.Stories))
	fmt.Println("Run `foreman implement` to execute it.")
}

func runValidate(args []string) {
	runID := parseRunFlag(args, "usage: foreman validate [--run <id>]")

	foremanDir := mustForemanDir()
	st := store.New(foremanDir)
	runID = resolveRunID(st, runID)

	run, err := st.LoadRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run %s: %v\n", runID, err)
		os.Exit(1)
	}

	if verrs := planner.ValidateRun(run); verrs != nil {
		fmt.Fprint(os.Stderr, verrs.FormatStderr())
		os.Exit(1)
	}
	fmt.Printf("Run %s is valid: %d epics, %d stories\n", run.RunID, len(run.Epics), len(run.Stories))
}

func runImplement(args []string) {
	var runID string
	parallel := 1
	noNotify := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			i++
			runID = args[i]
		case "--parallel":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--parallel requires a value")
				os.Exit(1)
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "invalid --parallel value: %s\n", args[i])
				os.Exit(1)
			}
			parallel = n
		case "--no-notify":
			noNotify = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: foreman implement [--run <id>] [--parallel <n>] [--no-notify]\n", args[i])
			os.Exit(1)
		}
	}

	foremanDir := mustForemanDir()
	st := store.New(foremanDir)
	cfg := mustConfig(st)
	runID = resolveRunID(st, runID)

	w := mustWorker(cfg)
	exec, err := executor.New(foremanDir, w, eventSink(foremanDir), cfg.Executor, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create executor: %v\n", err)
		os.Exit(1)
	}
	defer exec.Close()

	r, err := runner.New(st, exec, parallel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create runner: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Executing run %s\n", runID)
	state, err := r.Execute(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "implement: %v\n", err)
		os.Exit(1)
	}

	printOutcome(state)
	if !noNotify {
		if err := notify.RunFinished(state); err != nil {
			fmt.Fprintf(os.Stderr, "notify: %v\n", err)
		}
	}

	for _, s := range state.StoryStates {
		if s == model.StoryAbortedError || s == model.StoryAbortedLoop {
			os.Exit(2)
		}
	}
}

func printOutcome(state *model.RunState) {
	completed, failed := 0, 0
	for _, s := range state.StoryStates {
		switch s {
		case model.StoryCompleted:
			completed++
		case model.StoryAbortedError, model.StoryAbortedLoop:
			failed++
		}
	}
	fmt.Printf("Run %s: %s (%d completed, %d failed)\n", state.RunID, state.Status, completed, failed)
}

func runStatus(args []string) {
	var runID string
	jsonOutput := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			i++
			runID = args[i]
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: foreman status [--run <id>] [--json]\n", args[i])
			os.Exit(1)
		}
	}

	foremanDir := mustForemanDir()
	if err := status.Run(foremanDir, runID, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runCancel(args []string) {
	runID := parseRunFlag(args, "usage: foreman cancel [--run <id>]")

	foremanDir := mustForemanDir()
	st := store.New(foremanDir)
	runID = resolveRunID(st, runID)

	// Prefer the daemon so followers see the request; fall back to the
	// marker file when no daemon is running.
	client := uds.NewClient(daemon.SocketPath(foremanDir))
	if resp, err := client.SendCommand("cancel", map[string]string{"run_id": runID}); err == nil {
		if !resp.Success && resp.Error != nil {
			fmt.Fprintf(os.Stderr, "cancel failed [%s]: %s\n", resp.Error.Code, resp.Error.Message)
			os.Exit(1)
		}
		fmt.Printf("Cancel requested for %s\n", runID)
		return
	}

	if err := st.RequestCancel(runID); err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cancel requested for %s\n", runID)
}

func runFollow(args []string) {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			i++
			runID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: foreman follow [--run <id>]\n", args[i])
			os.Exit(1)
		}
	}

	foremanDir := mustForemanDir()
	client := uds.NewClient(daemon.SocketPath(foremanDir))

	err := client.Follow("follow", map[string]string{"run_id": runID}, func(frame json.RawMessage) bool {
		var rec events.Record
		if err := json.Unmarshal(frame, &rec); err != nil {
			return true
		}
		fmt.Println(renderRecord(rec))
		return true
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "follow: %v\n", err)
		os.Exit(1)
	}
}

// renderRecord formats one event for the terminal.
func renderRecord(rec events.Record) string {
	ts := rec.Timestamp.Local().Format("15:04:05")
	switch rec.Kind {
	case events.KindToolCall:
		return fmt.Sprintf("%s [%s] tool %s", ts, rec.Kind, rec.Tool)
	case events.KindState:
		return fmt.Sprintf("%s [%s] %v -> %v", ts, rec.Kind, rec.Payload["from"], rec.Payload["to"])
	case events.KindResult:
		return fmt.Sprintf("%s [%s] story %s: %v", ts, rec.Kind, rec.StoryID, rec.Payload["status"])
	default:
		text := rec.Text
		if len(text) > 120 {
			text = text[:120] + "..."
		}
		return fmt.Sprintf("%s [%s] %s", ts, rec.Kind, text)
	}
}

func runServe(args []string) {
	var logLevel string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--log-level":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			i++
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: foreman serve [--log-level <level>]\n", args[i])
			os.Exit(1)
		}
	}

	foremanDir := mustForemanDir()
	st := store.New(foremanDir)
	if logLevel == "" {
		logLevel = mustConfig(st).Logging.Level
	}

	d, err := daemon.New(foremanDir, st, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Serving on %s\n", daemon.SocketPath(foremanDir))
	if err := d.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		os.Exit(1)
	}
}

// parseRunFlag handles commands whose only flag is --run.
func parseRunFlag(args []string, usage string) string {
	var runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				os.Exit(1)
			}
			i++
			runID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}
	return runID
}

// findForemanDir searches for .foreman/ in the current directory and ancestors.
func findForemanDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, store.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustForemanDir() string {
	foremanDir := findForemanDir()
	if foremanDir == "" {
		fmt.Fprintln(os.Stderr, "error: .foreman/ directory not found. Run 'foreman init' first.")
		os.Exit(1)
	}
	return foremanDir
}

func mustConfig(st *store.Store) *model.Config {
	cfg, err := st.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func mustWorker(cfg *model.Config) worker.Worker {
	pacer := worker.NewPacer(time.Duration(cfg.Worker.PaceIntervalSec * float64(time.Second)))
	w, err := worker.NewOpenAIWorker(cfg.Worker, pacer, worker.NoTools{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	return w
}

// resolveRunID falls back to the latest run when none is named.
func resolveRunID(st *store.Store, runID string) string {
	if runID != "" {
		return runID
	}
	latest, err := st.LatestRun()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		os.Exit(1)
	}
	if latest == "" {
		fmt.Fprintln(os.Stderr, "error: no runs exist. Plan one with: foreman plan \"<requirement>\"")
		os.Exit(1)
	}
	return latest
}

// eventSink forwards records to a running `foreman serve` when one exists.
func eventSink(foremanDir string) events.Sink {
	if rs := daemon.NewRemoteSink(foremanDir); rs != nil {
		return rs
	}
	return events.Discard
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `foreman %s — plan a backlog with a generative worker, then execute it

Usage: foreman <command> [options]

Planning:
  init [dir] [--name <name>]     Initialize .foreman/ directory
  plan "<requirement>"           Plan vision, solution, and backlog
  validate [--run <id>]          Check a planned backlog

Execution:
  implement [--run <id>] [--parallel <n>] [--no-notify]
                                 Execute stories in dependency order
  cancel [--run <id>]            Request cooperative cancellation

Observation:
  status [--run <id>] [--json]   Show per-story progress
  serve [--log-level <level>]    Run the event hub
  follow [--run <id>]            Stream events from a running serve

  version                        Show version
  help                           Show this help

`, version)
}
