package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
)

// DefaultOutputMaxBytes bounds stdout+stderr of one invocation.
const DefaultOutputMaxBytes = 1024 * 1024

// Deterministic error codes for sandbox violations.
const (
	ErrCodeOutputExhausted = "ERR_WASM_OUTPUT_EXHAUSTED"
	ErrCodeMemoryExhausted = "ERR_WASM_MEMORY_EXHAUSTED"
	ErrCodeExit            = "ERR_WASM_EXIT"
)

// SandboxError is a typed error for sandbox limit violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WasmConfig sets sandbox limits.
type WasmConfig struct {
	MemoryLimitBytes int64
	OutputMaxBytes   int
	Capabilities     []string
}

// Wasm runs a WASI command module per call. Parameters arrive on stdin as JSON;
// stdout is the result. The module has no filesystem and no network.
type Wasm struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   WasmConfig
	caps     map[string]struct{}
}

// NewWasm compiles module once for all subsequent calls.
func NewWasm(ctx context.Context, name string, module []byte, config WasmConfig) (*Wasm, error) {
	if config.OutputMaxBytes <= 0 {
		config.OutputMaxBytes = DefaultOutputMaxBytes
	}

	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := r.CompileModule(ctx, module)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to compile wasm tool %s: %w", name, err)
	}

	caps := make(map[string]struct{}, len(config.Capabilities))
	for _, c := range config.Capabilities {
		caps[c] = struct{}{}
	}
	return &Wasm{name: name, runtime: r, compiled: compiled, config: config, caps: caps}, nil
}

// LoadWasm reads a module from disk.
func LoadWasm(ctx context.Context, name, path string, config WasmConfig) (*Wasm, error) {
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm tool %s: %w", path, err)
	}
	return NewWasm(ctx, name, module, config)
}

func (w *Wasm) Name() string {
	return w.name
}

func (w *Wasm) SupportsCapability(capability string) bool {
	_, ok := w.caps[capability]
	return ok
}

func (w *Wasm) Execute(ctx context.Context, call *orchestrator.ToolCall) (any, error) {
	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(call.Parameters)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(w.name).
		WithName("")

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, moduleConfig)
	if mod != nil {
		defer func() { _ = mod.Close(context.WithoutCancel(ctx)) }()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("wasm tool %s interrupted: %w", w.name, ctxErr)
		}
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) {
			return nil, &SandboxError{
				Code:    ErrCodeExit,
				Message: fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), bytes.TrimSpace(stderr.Bytes())),
			}
		}
		if isMemoryError(err) {
			return nil, &SandboxError{
				Code:    ErrCodeMemoryExhausted,
				Message: fmt.Sprintf("exceeded memory limit (%d bytes)", w.config.MemoryLimitBytes),
			}
		}
		return nil, fmt.Errorf("wasm tool %s failed: %w", w.name, err)
	}

	if total := stdout.Len() + stderr.Len(); total > w.config.OutputMaxBytes {
		return nil, &SandboxError{
			Code:    ErrCodeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, w.config.OutputMaxBytes),
		}
	}
	return decodeOutput(stdout.Bytes()), nil
}

// Close releases the runtime and every module compiled by it.
func (w *Wasm) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// decodeOutput returns JSON output as generic values and anything else as a string.
func decodeOutput(out []byte) any {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return string(out)
	}
	return v
}

func isMemoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow"))
}
