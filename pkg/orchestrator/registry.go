package orchestrator

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps tool names to executors. Readers load an immutable snapshot and
// never wait on writers; writers copy the map and swap it in.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]ToolExecutor]
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]ToolExecutor)
	r.snapshot.Store(&empty)
	return r
}

// Register stores exec under its name, replacing any previous executor.
// It reports whether an existing entry was replaced.
func (r *Registry) Register(exec ToolExecutor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	next := make(map[string]ToolExecutor, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	_, replaced := next[exec.Name()]
	next[exec.Name()] = exec
	r.snapshot.Store(&next)
	return replaced
}

// Lookup returns the executor registered under name.
func (r *Registry) Lookup(name string) (ToolExecutor, bool) {
	exec, ok := (*r.snapshot.Load())[name]
	return exec, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	current := *r.snapshot.Load()
	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}
