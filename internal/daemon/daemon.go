// Package daemon implements `foreman serve`: a per-project event hub that
// relays story invocation events to followers, answers status queries, and
// accepts cancel requests over a Unix domain socket.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/lock"
	"github.com/msageha/foreman/internal/model"
	"github.com/msageha/foreman/internal/store"
	"github.com/msageha/foreman/internal/uds"
)

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the serve-mode process state.
type Daemon struct {
	foremanDir string
	store      *store.Store
	bus        *events.Bus
	journal    *events.Journal
	server     *uds.Server
	fileLock   *lock.FileLock

	logger   *log.Logger
	logFile  io.Closer
	logLevel LogLevel
}

// SocketPath returns the conventional socket location under foremanDir.
func SocketPath(foremanDir string) string {
	return filepath.Join(foremanDir, uds.DefaultSocketName)
}

// New creates a Daemon for the given working directory. It logs to
// .foreman/logs/serve.log.
func New(foremanDir string, st *store.Store, logLevel string) (*Daemon, error) {
	logPath := filepath.Join(foremanDir, "logs", "serve.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("ensure logs dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	locksDir := filepath.Join(foremanDir, "locks")
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("ensure locks dir: %w", err)
	}

	return &Daemon{
		foremanDir: foremanDir,
		store:      st,
		bus:        events.NewBus(0),
		server:     uds.NewServer(SocketPath(foremanDir)),
		fileLock:   lock.NewFileLock(filepath.Join(locksDir, "foreman.lock")),
		logger:     log.New(logFile, "", 0),
		logFile:    logFile,
		logLevel:   parseLogLevel(logLevel),
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("serve lock: %w", err)
	}
	defer func() { _ = d.fileLock.Unlock() }()

	journal, err := events.NewJournal(filepath.Join(d.foremanDir, "logs", "events.jsonl"), 0)
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	d.journal = journal
	defer func() { _ = d.journal.Close() }()

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	d.log(LogLevelInfo, "serve_start pid=%d socket=%s", os.Getpid(), SocketPath(d.foremanDir))

	<-ctx.Done()

	d.log(LogLevelInfo, "serve_stop")
	_ = d.server.Stop()
	d.bus.Close()
	return nil
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(*uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("emit", d.handleEmit)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("runs", d.handleRuns)
	d.server.Handle("cancel", d.handleCancel)
	d.server.HandleStream("follow", d.handleFollow)
}

// handleEmit accepts one event record from a producing foreman process,
// journals it, and fans it out to followers.
func (d *Daemon) handleEmit(req *uds.Request) *uds.Response {
	var rec events.Record
	if err := json.Unmarshal(req.Params, &rec); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("decode record: %v", err))
	}

	d.bus.Emit(rec)
	if err := d.journal.Append(rec); err != nil {
		d.log(LogLevelWarn, "journal_append_failed error=%v", err)
	}
	return uds.SuccessResponse(nil)
}

type runParams struct {
	RunID string `json:"run_id"`
}

// resolveRunID falls back to the latest run when the request names none.
func (d *Daemon) resolveRunID(raw json.RawMessage) (string, *uds.Response) {
	var params runParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return "", uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("decode params: %v", err))
		}
	}
	if params.RunID != "" {
		return params.RunID, nil
	}

	latest, err := d.store.LatestRun()
	if err != nil {
		return "", uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if latest == "" {
		return "", uds.ErrorResponse(uds.ErrCodeNotFound, "no runs exist")
	}
	return latest, nil
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	runID, errResp := d.resolveRunID(req.Params)
	if errResp != nil {
		return errResp
	}

	state, err := d.store.LoadState(runID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("run %s: %v", runID, err))
	}
	return uds.SuccessResponse(Summarize(state))
}

func (d *Daemon) handleRuns(*uds.Request) *uds.Response {
	ids, err := d.store.ListRuns()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return uds.SuccessResponse(map[string][]string{"runs": ids})
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	runID, errResp := d.resolveRunID(req.Params)
	if errResp != nil {
		return errResp
	}
	if err := d.store.RequestCancel(runID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "cancel_requested run_id=%s", runID)
	return uds.SuccessResponse(map[string]string{"run_id": runID, "status": "cancel_requested"})
}

// handleFollow streams bus records to one follower until it disconnects or
// the daemon stops. An empty run_id follows everything.
func (d *Daemon) handleFollow(req *uds.Request, send func(v any) error, done <-chan struct{}) {
	var params runParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	// Bridge the bus subscription into a channel this stream can select on.
	ch := make(chan events.Record, 100)
	unsubscribe := d.bus.Subscribe(params.RunID, func(rec events.Record) {
		select {
		case ch <- rec:
		default: // slow follower drops records rather than blocking the bus
		}
	})
	defer unsubscribe()
	d.log(LogLevelDebug, "follower_attached run_id=%q", params.RunID)

	for {
		select {
		case <-done:
			return
		case rec := <-ch:
			if err := send(rec); err != nil {
				d.log(LogLevelDebug, "follower_detached run_id=%q", params.RunID)
				return
			}
		}
	}
}

// Summary is the status response shape shared by the daemon and the CLI's
// direct-store fallback.
type Summary struct {
	RunID   string         `json:"run_id"`
	Status  model.RunStatus `json:"status"`
	Stories map[string]int `json:"stories"`
	Failed  []string       `json:"failed,omitempty"`
	Updated string         `json:"updated_at,omitempty"`
}

// Summarize condenses a run state into per-status story counts plus the IDs
// of failed stories.
func Summarize(state *model.RunState) Summary {
	s := Summary{
		RunID:   state.RunID,
		Status:  state.Status,
		Stories: make(map[string]int),
		Updated: state.UpdatedAt,
	}
	for id, status := range state.StoryStates {
		s.Stories[string(status)]++
		if status == model.StoryAbortedError || status == model.StoryAbortedLoop {
			s.Failed = append(s.Failed, id)
		}
	}
	sort.Strings(s.Failed)
	return s
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s serve: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
