// Package host defines the boundary to the editor collaborator. The
// core only ever calls into the editor to register commands and to
// bring a named channel into view.
package host

import (
	"fmt"
	"io"
	"sync"

	"github.com/linthost-dev/linthost/internal/channel"
)

// Host is the editor-side collaborator surface.
type Host interface {
	// ShowChannel brings a named output channel into foreground
	// visibility.
	ShowChannel(name string)

	// RegisterCommand binds a user-invokable command.
	RegisterCommand(name string, fn func())
}

// ConsoleHost is a terminal-backed Host used by the harness binary.
// Showing a channel prints its history; registered commands are
// dispatched by name, e.g. from harness stdin.
type ConsoleHost struct {
	mu       sync.Mutex
	router   *channel.Router
	out      io.Writer
	commands map[string]func()
}

// NewConsoleHost creates a console host writing to out.
func NewConsoleHost(router *channel.Router, out io.Writer) *ConsoleHost {
	return &ConsoleHost{
		router:   router,
		out:      out,
		commands: make(map[string]func()),
	}
}

// ShowChannel prints the channel's full history.
func (h *ConsoleHost) ShowChannel(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "== %s ==\n", name)
	for _, rec := range h.router.Records(name) {
		fmt.Fprintf(h.out, "%s %s\n", rec.Time.Format("15:04:05.000"), rec.Text)
	}
}

// RegisterCommand binds a command by name.
func (h *ConsoleHost) RegisterCommand(name string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[name] = fn
}

// RunCommand invokes a bound command. Unknown names are ignored with a
// notice, matching editor behavior for unbound keybindings.
func (h *ConsoleHost) RunCommand(name string) {
	h.mu.Lock()
	fn, ok := h.commands[name]
	h.mu.Unlock()

	if !ok {
		fmt.Fprintf(h.out, "unknown command: %s\n", name)
		return
	}
	fn()
}

// Commands returns the bound command names.
func (h *ConsoleHost) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	return names
}
