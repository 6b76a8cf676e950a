// Package command defines the user-invokable command surface: the
// finite set of named actions the host editor can bind and dispatch.
package command

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/linthost-dev/linthost/internal/channel"
	"github.com/linthost-dev/linthost/internal/supervisor"
)

// Command names registered by Defaults.
const (
	// RestartServer restarts the analysis server.
	RestartServer = "restartServer"
	// ShowOutputChannel brings the main output channel into view.
	ShowOutputChannel = "showOutputChannel"
	// ShowTraceOutputChannel brings the trace output channel into view.
	ShowTraceOutputChannel = "showTraceOutputChannel"
)

// ErrUnknownCommand is returned when dispatching an unregistered name.
var ErrUnknownCommand = errors.New("unknown command")

// Func is a command implementation. Commands take no arguments, return
// no value, and must be idempotent and safe in any supervisor state.
type Func func()

// Registry holds the named commands exposed to the host editor.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Func
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Func)}
}

// Register adds a command. Re-registering a name replaces it.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[name] = fn
}

// Dispatch runs the named command.
func (r *Registry) Dispatch(name string) error {
	r.mu.RLock()
	fn, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	fn()
	return nil
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind registers every command with the host-side binder, typically the
// editor's command registration surface.
func (r *Registry) Bind(register func(name string, fn func())) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, fn := range r.commands {
		register(name, fn)
	}
}

// Defaults registers the three standard commands against a supervisor
// and router. Each is a thin translation to a single call.
func Defaults(reg *Registry, sup *supervisor.Supervisor, router *channel.Router) {
	reg.Register(RestartServer, sup.RequestRestart)
	reg.Register(ShowOutputChannel, func() { router.Show(channel.Main) })
	reg.Register(ShowTraceOutputChannel, func() { router.Show(channel.Trace) })
}
