package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"syscall"
	"time"

	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// ExecTool runs a shell command with a bounded output buffer and a
// soft-TERM-then-hard-KILL timeout, per the external-CLI-subprocess design
// note: on timeout expiry it signals TERM, and if the process has not
// exited shortly after, KILL.
type ExecTool struct {
	Workspace      string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

func (t *ExecTool) Name() string          { return "exec" }
func (t *ExecTool) Description() string   { return "Run a shell command in the workspace with a bounded timeout." }
func (t *ExecTool) Capabilities() []string { return []string{"process.exec"} }

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"timeoutSeconds": {"type": "number"}
		},
		"required": ["command"]
	}`)
}

type execArgs struct {
	Command        string  `json:"command"`
	TimeoutSeconds float64 `json:"timeoutSeconds"`
}

func (t *ExecTool) Execute(cc toolhost.CallContext, args json.RawMessage) (json.RawMessage, error) {
	var a execArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "invalid arguments: %v", err)
	}

	timeout := t.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds * float64(time.Second))
	}

	parent := cc.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", a.Command)
	cmd.Dir = t.Workspace
	var stdout, stderr bytes.Buffer
	limit := t.MaxOutputBytes
	if limit <= 0 {
		limit = 100_000
	}
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: limit}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: limit}

	if err := cmd.Start(); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "starting command: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return buildExecResult(stdout.String(), stderr.String(), cmd, err)
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return buildExecResult(stdout.String(), stderr.String(), cmd, err)
		case <-time.After(3 * time.Second):
			_ = cmd.Process.Kill()
			<-done
			return nil, model.NewError(model.ErrToolInterrupted, "command timed out after %s", timeout)
		}
	}
}

func buildExecResult(stdout, stderr string, cmd *exec.Cmd, waitErr error) (json.RawMessage, error) {
	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, model.NewError(model.ErrInvalidArguments, "running command: %v", waitErr)
		}
	}
	return json.Marshal(map[string]any{
		"stdout":   stdout,
		"stderr":   stderr,
		"exitCode": exitCode,
	})
}

// limitedWriter caps how much a subprocess can write into memory.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}
