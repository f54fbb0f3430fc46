package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
)

// writeStubAgent drops an executable script that plays back the given body
// and returns a driver configured to run it.
func writeStubAgent(t *testing.T, script string) *Driver {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub agent scripts require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))

	d, err := NewDriver(config.CLIConfig{Provider: "claude", Binary: path}, logger.Default())
	require.NoError(t, err)
	return d
}

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Event(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(raw))
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestRunParsesResult(t *testing.T) {
	d := writeStubAgent(t, `
echo '{"type":"system","subtype":"init","session_id":"s-1"}'
echo '{"type":"assistant","session_id":"s-1"}'
echo '{"type":"result","subtype":"success","result":"patched the handler","total_cost_usd":0.042,"usage":{"input_tokens":1200,"output_tokens":340}}'
`)

	sink := &recordingSink{}
	res, err := d.Run(context.Background(), Request{TaskID: "t-1", Prompt: "fix it", WorkspaceDir: t.TempDir()}, sink)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, "patched the handler", res.Output)
	assert.Equal(t, int64(1200), res.InputTokens)
	assert.Equal(t, int64(340), res.OutputTokens)
	assert.InDelta(t, 0.042, res.CostUSD, 1e-9)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, sink.all(), 3)
}

func TestRunUnparseableLineStillReachesSink(t *testing.T) {
	d := writeStubAgent(t, `
echo 'not json at all'
echo '{"type":"result","result":"done"}'
`)

	sink := &recordingSink{}
	res, err := d.Run(context.Background(), Request{TaskID: "t-2", Prompt: "p", WorkspaceDir: t.TempDir()}, sink)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	lines := sink.all()
	require.Len(t, lines, 2)
	assert.Equal(t, "not json at all", lines[0])
}

func TestRunAgentErrorResult(t *testing.T) {
	d := writeStubAgent(t, `
echo '{"type":"result","subtype":"error","result":"could not apply patch","is_error":true}'
`)

	res, err := d.Run(context.Background(), Request{TaskID: "t-3", Prompt: "p", WorkspaceDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, "could not apply patch", res.Output)
}

func TestRunNonZeroExitWithoutResult(t *testing.T) {
	d := writeStubAgent(t, `
echo 'boom' >&2
exit 3
`)

	res, err := d.Run(context.Background(), Request{TaskID: "t-4", Prompt: "p", WorkspaceDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "boom")
}

func TestRunCancellation(t *testing.T) {
	d := writeStubAgent(t, `
echo '{"type":"system","subtype":"init"}'
exec sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := d.Run(ctx, Request{TaskID: "t-5", Prompt: "p", WorkspaceDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunDeadline(t *testing.T) {
	d := writeStubAgent(t, `exec sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := d.Run(ctx, Request{TaskID: "t-6", Prompt: "p", WorkspaceDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
}

func TestNewDriverRejectsUnknownProvider(t *testing.T) {
	_, err := NewDriver(config.CLIConfig{Provider: "copilot"}, logger.Default())
	assert.Error(t, err)
}

func TestCommandArgs(t *testing.T) {
	d := &Driver{cfg: config.CLIConfig{Provider: "claude", Binary: "claude"}}
	args := d.command(Request{Prompt: "do it", Model: "opus", AllowedTools: []string{"Bash", "Edit"}})
	assert.Equal(t, []string{
		"claude", "-p", "do it", "--output-format", "stream-json", "--verbose",
		"--model", "opus", "--allowedTools", "Bash,Edit",
	}, args)

	d = &Driver{cfg: config.CLIConfig{Provider: "cursor", Binary: "cursor-agent"}}
	args = d.command(Request{Prompt: "do it"})
	assert.Equal(t, []string{"cursor-agent", "-p", "do it", "--output-format", "stream-json"}, args)
}
