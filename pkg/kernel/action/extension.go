package action

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ormasoftchile/pipewright/pkg/files"
	"github.com/ormasoftchile/pipewright/pkg/kernel/build"
	"github.com/ormasoftchile/pipewright/pkg/kernel/config"
)

// Extension runs stage actions in an external process speaking JSON-RPC 2.0
// over stdio: one request per line, one response per line. The process is
// started on first use and serves every stage that references it.
type Extension struct {
	path    string
	args    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	mu      sync.Mutex
	nextID  atomic.Int64
	started bool
}

// jsonRPCRequest is a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExecuteParams is the payload of an execute request.
type ExecuteParams struct {
	Stage   string         `json:"stage,omitempty"` // export name, empty for the default
	Options map[string]any `json:"options"`
	Context ContextView    `json:"context"`
}

// ContextView is the part of the build context sent to an extension.
type ContextView struct {
	RootDir      string         `json:"rootDir"`
	Target       string         `json:"target"`
	BuildNumber  string         `json:"buildNumber,omitempty"`
	IDSuffix     string         `json:"idSuffix,omitempty"`
	NameSuffix   string         `json:"nameSuffix,omitempty"`
	VersionInfix string         `json:"versionInfix,omitempty"`
	Package      map[string]any `json:"package,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	Done         []string       `json:"done"`
	Files        []string       `json:"files,omitempty"`
}

// ExecuteResult is the reply to an execute request. Meta is merged into the
// context metadata, Files are stored as generated files and Remove paths are
// detached from the tree.
type ExecuteResult struct {
	Meta   map[string]any    `json:"meta,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
	Remove []string          `json:"remove,omitempty"`
}

// NewExtension creates an extension for the executable at path.
func NewExtension(path string, args ...string) *Extension {
	return &Extension{path: path, args: args}
}

// Start spawns the process and sends the initialize handshake.
func (e *Extension) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startLocked(ctx)
}

func (e *Extension) startLocked(ctx context.Context) error {
	if e.started {
		return nil
	}
	// A command can only be started once, so every attempt gets a fresh one.
	cmd := exec.Command(e.path, e.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start extension %s: %w", e.path, err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.scanner = bufio.NewScanner(stdout)
	e.scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
	e.started = true

	if _, err := e.callLocked(ctx, "initialize", map[string]any{"protocol_version": "1"}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		e.cmd, e.stdin, e.scanner = nil, nil, nil
		e.started = false
		return fmt.Errorf("initialize %s: %w", e.path, err)
	}
	return nil
}

// Execute sends an execute request and decodes the result.
func (e *Extension) Execute(ctx context.Context, params ExecuteParams) (*ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.startLocked(ctx); err != nil {
		return nil, err
	}
	resp, err := e.callLocked(ctx, "execute", params)
	if err != nil {
		return nil, err
	}
	var result ExecuteResult
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &result); err != nil {
			return nil, fmt.Errorf("unmarshal execute result: %w", err)
		}
	}
	return &result, nil
}

// Shutdown sends a shutdown request and waits for the process to exit.
func (e *Extension) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false
	_, _ = e.callLocked(ctx, "shutdown", map[string]any{})
	e.stdin.Close()
	if e.cmd == nil || e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Wait()
}

// Action returns a stage action that executes export in the extension.
func (e *Extension) Action(export string) Func {
	return func(ctx context.Context, bc *build.Context, options map[string]any) error {
		result, err := e.Execute(ctx, ExecuteParams{
			Stage:   export,
			Options: options,
			Context: viewOf(bc),
		})
		if err != nil {
			return fmt.Errorf("extension %s: %w", e.path, err)
		}
		return applyResult(bc, result)
	}
}

func viewOf(bc *build.Context) ContextView {
	v := ContextView{
		RootDir:      bc.RootDir,
		Target:       bc.Target,
		BuildNumber:  bc.BuildNumber,
		IDSuffix:     bc.IDSuffix,
		NameSuffix:   bc.NameSuffix,
		VersionInfix: bc.VersionInfix,
		Package:      bc.Package,
		Meta:         bc.Meta,
		Done:         bc.Stages.Done,
	}
	if bc.FileRoot != nil {
		v.Files = files.List(bc.FileRoot)
	}
	return v
}

func applyResult(bc *build.Context, result *ExecuteResult) error {
	if len(result.Meta) > 0 {
		if bc.Meta == nil {
			bc.Meta = make(map[string]any)
		}
		config.MergeInto(bc.Meta, result.Meta)
	}
	if len(result.Files) > 0 && bc.FileRoot == nil {
		bc.FileRoot = files.NewRoot()
	}
	for p, content := range result.Files {
		if _, err := files.Put(bc.FileRoot, p, []byte(content)); err != nil {
			return err
		}
	}
	for _, p := range result.Remove {
		if bc.FileRoot != nil {
			files.Remove(files.Get(bc.FileRoot, p))
		}
	}
	return nil
}

// callLocked sends a JSON-RPC request and reads the response. Must be called with mu held.
func (e *Extension) callLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := e.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := e.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("extension closed stdout")
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(e.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %d does not match request %d", resp.ID, id)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("extension error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}
