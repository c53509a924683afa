// Package builtin provides a small, illustrative set of concrete tools that
// exercise the Tool Host contract: reading/writing workspace files, running
// a subprocess, sending an agent-to-agent message, and introspecting
// sessions. They are not an exhaustive tool catalog; §4.4 only requires
// that a host exist, not a specific set of tools.
package builtin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexushub/internal/toolhost"
	"github.com/haasonsaas/nexushub/pkg/model"
)

// ReadFileTool reads a file from a fixed workspace root, rejecting any path
// that would escape it.
type ReadFileTool struct {
	Root         string
	MaxReadBytes int
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace." }
func (t *ReadFileTool) Capabilities() []string { return []string{"filesystem.read"} }

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
}

type readFileArgs struct {
	Path string `json:"path"`
}

func (t *ReadFileTool) resolve(rel string) (string, error) {
	root, err := filepath.Abs(t.Root)
	if err != nil {
		return "", err
	}
	joined := filepath.Join(root, rel)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", model.NewError(model.ErrInvalidArguments, "path %q escapes workspace", rel)
	}
	return abs, nil
}

func (t *ReadFileTool) Execute(cc toolhost.CallContext, args json.RawMessage) (json.RawMessage, error) {
	var a readFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "invalid arguments: %v", err)
	}
	abs, err := t.resolve(a.Path)
	if err != nil {
		return nil, err
	}
	limit := t.MaxReadBytes
	if limit <= 0 {
		limit = 200_000
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "reading %q: %v", a.Path, err)
	}
	if len(data) > limit {
		data = data[:limit]
	}
	return json.Marshal(map[string]any{"content": string(data)})
}

// WriteFileTool writes a file under the workspace root, creating parent
// directories as needed.
type WriteFileTool struct {
	Root string
}

func (t *WriteFileTool) Name() string          { return "write_file" }
func (t *WriteFileTool) Description() string   { return "Write a file in the workspace, creating directories as needed." }
func (t *WriteFileTool) Capabilities() []string { return []string{"filesystem.write"} }

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}, "content": {"type": "string"}},
		"required": ["path", "content"]
	}`)
}

type writeFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (t *WriteFileTool) Execute(cc toolhost.CallContext, args json.RawMessage) (json.RawMessage, error) {
	var a writeFileArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "invalid arguments: %v", err)
	}
	reader := &ReadFileTool{Root: t.Root}
	abs, err := reader.resolve(a.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: creating parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, []byte(a.Content), 0o644); err != nil {
		return nil, model.NewError(model.ErrInvalidArguments, "writing %q: %v", a.Path, err)
	}
	return json.Marshal(map[string]any{"bytesWritten": len(a.Content)})
}
