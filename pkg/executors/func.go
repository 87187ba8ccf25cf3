// Package executors provides orchestrator.ToolExecutor implementations: plain Go
// functions, JSON-Schema validated wrappers and sandboxed WebAssembly tools.
package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Doctor0Evil/Cybulous/pkg/orchestrator"
)

// Handler is the body of a Func executor.
type Handler func(ctx context.Context, call *orchestrator.ToolCall) (any, error)

// Func adapts a Handler to orchestrator.ToolExecutor.
type Func struct {
	name         string
	capabilities map[string]struct{}
	fn           Handler
}

func NewFunc(name string, fn Handler, capabilities ...string) *Func {
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	return &Func{name: name, capabilities: caps, fn: fn}
}

func (f *Func) Execute(ctx context.Context, call *orchestrator.ToolCall) (any, error) {
	return f.fn(ctx, call)
}

func (f *Func) Name() string {
	return f.name
}

func (f *Func) SupportsCapability(capability string) bool {
	_, ok := f.capabilities[capability]
	return ok
}

// Echo returns the call's decoded parameters.
func Echo() *Func {
	return NewFunc("echo", func(ctx context.Context, call *orchestrator.ToolCall) (any, error) {
		return DecodeParameters(call)
	}, "echo", "read-only")
}

// DecodeParameters decodes the call's raw parameters into generic JSON values.
// Missing parameters decode to nil.
func DecodeParameters(call *orchestrator.ToolCall) (any, error) {
	if len(call.Parameters) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(call.Parameters, &v); err != nil {
		return nil, fmt.Errorf("invalid parameters for %s: %w", call.ToolName, err)
	}
	return v, nil
}
