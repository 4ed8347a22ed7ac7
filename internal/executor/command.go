package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/faults"
	"github.com/aristath/conductor/internal/handoff"
	"github.com/aristath/conductor/internal/logging"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h. A command exiting with it
// reports a transient failure.
const exitTempFail = 75

// CommandConfig describes how to launch an executor subprocess.
type CommandConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Grace   time.Duration
}

// CommandExecutor runs one subprocess per task. The sealed context package
// is written to stdin as JSON; the role is passed in CONDUCTOR_ROLE.
//
// Each stdout line becomes an event. Lines that are JSON objects with a
// "type" field are decoded; anything else is content.
type CommandExecutor struct {
	id     string
	cfg    CommandConfig
	procs  *ProcessManager
	logger *slog.Logger
}

// NewCommand creates a command executor. procs may be nil.
func NewCommand(id string, cfg CommandConfig, procs *ProcessManager, logger *slog.Logger) (*CommandExecutor, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("executor %s: command required", id)
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &CommandExecutor{
		id:     id,
		cfg:    cfg,
		procs:  procs,
		logger: logging.Component(logger, "executor").With("instance", id),
	}, nil
}

// ID implements Executor.
func (c *CommandExecutor) ID() string { return c.id }

// wireEvent is the JSON-lines protocol spoken by executor commands.
type wireEvent struct {
	Type            string                   `json:"type"`
	Content         string                   `json:"content"`
	Tool            string                   `json:"tool"`
	Transient       bool                     `json:"transient"`
	Artifacts       []handoff.Artifact       `json:"artifacts"`
	Recommendations []handoff.Recommendation `json:"recommendations"`
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, role string, pkg *handoff.Package) (<-chan Event, error) {
	payload, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context package: %w", err)
	}

	cmd := newCommand(ctx, c.cfg.Grace, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(cmd.Environ(), c.cfg.Env...)
	cmd.Env = append(cmd.Env, "CONDUCTOR_ROLE="+role, "CONDUCTOR_TASK_ID="+pkg.Metadata().TaskID)
	cmd.Stdin = bytes.NewReader(payload)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &faults.ExecutorError{Role: role, Instance: c.id, Err: fmt.Errorf("failed to start command: %w", err)}
	}
	c.procs.Track(cmd)
	c.logger.Debug("executor started", "role", role, "pid", cmd.Process.Pid)

	ch := make(chan Event, 16)
	go c.stream(ctx, cmd, stdout, &stderr, role, ch)
	return ch, nil
}

func (c *CommandExecutor) stream(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, role string, ch chan<- Event) {
	defer close(ch)
	defer c.procs.Untrack(cmd)

	var (
		content  strings.Builder
		final    *wireEvent
		reported *wireEvent
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ev, ok := decodeLine(line)
		if !ok {
			content.WriteString(line)
			content.WriteByte('\n')
			c.send(ctx, ch, Event{Kind: EventContent, Content: line})
			continue
		}
		switch EventKind(ev.Type) {
		case EventDone:
			final = ev
		case EventError:
			reported = ev
		case EventToolUse, EventToolResult:
			c.send(ctx, ch, Event{Kind: EventKind(ev.Type), Tool: ev.Tool, Content: ev.Content})
		default:
			content.WriteString(ev.Content)
			content.WriteByte('\n')
			c.send(ctx, ch, Event{Kind: EventContent, Content: ev.Content})
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		ch <- Event{Kind: EventError, Err: classify(role, c.id, ctx.Err())}
	case reported != nil:
		err := &faults.ExecutorError{Role: role, Instance: c.id, Transient: reported.Transient, Err: errors.New(reported.Content)}
		ch <- Event{Kind: EventError, Err: err}
	case waitErr != nil:
		ch <- Event{Kind: EventError, Err: c.exitError(role, waitErr, stderr.String())}
	case scanErr != nil:
		ch <- Event{Kind: EventError, Err: &faults.ExecutorError{Role: role, Instance: c.id, Err: fmt.Errorf("failed to read output: %w", scanErr)}}
	default:
		res := handoff.Result{Content: strings.TrimSpace(content.String())}
		if final != nil {
			if final.Content != "" {
				res.Content = final.Content
			}
			res.Artifacts = final.Artifacts
			res.Recommendations = final.Recommendations
		}
		ch <- Event{Kind: EventDone, Content: res.Content, Result: &res}
	}
}

func (c *CommandExecutor) exitError(role string, waitErr error, stderr string) error {
	transient := false
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == exitTempFail {
		transient = true
	}
	err := fmt.Errorf("command failed: %w", waitErr)
	if s := strings.TrimSpace(stderr); s != "" {
		err = fmt.Errorf("command failed: %w (stderr: %s)", waitErr, s)
	}
	return &faults.ExecutorError{Role: role, Instance: c.id, Transient: transient, Err: err}
}

// send delivers a non-terminal event unless the caller has gone away.
func (c *CommandExecutor) send(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func decodeLine(line string) (*wireEvent, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var ev wireEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil || ev.Type == "" {
		return nil, false
	}
	return &ev, true
}
