// Package cli runs the coding-agent CLI and decodes its stream-json output.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

// killGrace is how long a run gets between SIGTERM and SIGKILL.
const killGrace = 10 * time.Second

// scanBufSize allows for large single-line JSON messages.
const scanBufSize = 10 * 1024 * 1024

// Sink receives every stdout line of the run, parseable or not, in order.
type Sink interface {
	Event(raw json.RawMessage)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(raw json.RawMessage)

// Event calls f.
func (f SinkFunc) Event(raw json.RawMessage) { f(raw) }

// Driver spawns the configured agent CLI once per task.
type Driver struct {
	cfg config.CLIConfig
	log *logger.Logger
}

// NewDriver validates the configured provider and returns a driver.
func NewDriver(cfg config.CLIConfig, log *logger.Logger) (*Driver, error) {
	switch cfg.Provider {
	case "claude", "cursor":
	default:
		return nil, fmt.Errorf("unsupported cli provider %q", cfg.Provider)
	}
	return &Driver{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "cli")),
	}, nil
}

// command builds the argv for the configured provider.
func (d *Driver) command(req Request) []string {
	switch d.cfg.Provider {
	case "cursor":
		args := []string{d.cfg.Binary, "-p", req.Prompt, "--output-format", "stream-json"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		return args
	default: // claude
		args := []string{d.cfg.Binary, "-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
		if req.Model != "" {
			args = append(args, "--model", req.Model)
		}
		if len(req.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
		}
		return args
	}
}

// Run executes the agent in the workspace and streams every output line to
// sink. It blocks until the process exits or ctx forces termination.
//
// Cancellation is graceful: SIGTERM first, SIGKILL after the grace period.
// The returned Result always carries an Outcome; err is reserved for
// failures to spawn or read, not for agent-reported errors.
func (d *Driver) Run(ctx context.Context, req Request, sink Sink) (*Result, error) {
	argv := d.command(req)
	// The process is not bound to ctx: termination is handled below so the
	// agent gets a chance to exit cleanly.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkspaceDir

	stderr := newRing(64 * 1024)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	log := d.log.WithTaskID(req.TaskID)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", d.cfg.Provider, err)
	}
	log.Info("agent spawned",
		zap.String("provider", d.cfg.Provider),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", req.Model))

	// Termination watcher. On ctx expiry the process gets SIGTERM so its
	// stdout closes and the read loop below drains to EOF, then SIGKILL
	// after the grace period if it lingers.
	finished := make(chan struct{})
	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			log.Info("terminating agent", zap.Error(ctx.Err()))
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-finished:
			case <-time.After(killGrace):
				log.Warn("agent ignored SIGTERM, killing")
				_ = cmd.Process.Kill()
			}
		}
	}()

	// Stdout must reach EOF before Wait: Wait closes the pipe, and a line
	// still in flight (typically the final result message) would be lost.
	var final *Message
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make(json.RawMessage, len(line))
		copy(raw, line)
		if sink != nil {
			sink.Event(raw)
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Unparseable lines are already preserved via the sink.
			log.Warn("unparseable agent output line", zap.Error(err))
			continue
		}
		msg.Raw = raw
		if msg.Type == MessageTypeResult {
			final = &msg
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("agent output read error", zap.Error(err))
	}

	exitErr := cmd.Wait()
	close(finished)
	interrupted := ctx.Err() != nil

	res := &Result{Stderr: stderr.String()}
	var ee *exec.ExitError
	if errors.As(exitErr, &ee) {
		res.ExitCode = ee.ExitCode()
	}
	if final != nil {
		res.Output = final.Result
		res.CostUSD = final.TotalCostUSD
		if res.CostUSD == 0 {
			res.CostUSD = final.CostUSD
		}
		if final.Usage != nil {
			res.InputTokens = final.Usage.InputTokens
			res.OutputTokens = final.Usage.OutputTokens
		}
	}

	switch {
	case interrupted && errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.Outcome = OutcomeTimedOut
	case interrupted:
		res.Outcome = OutcomeCancelled
	case exitErr != nil || (final != nil && final.IsError) || final == nil:
		res.Outcome = OutcomeError
	default:
		res.Outcome = OutcomeOK
	}

	log.Info("agent finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("input_tokens", res.InputTokens),
		zap.Int64("output_tokens", res.OutputTokens),
		zap.Float64("cost_usd", res.CostUSD))
	return res, nil
}
