// Package process owns a single external analysis-server process:
// spawning, liveness, graceful-then-forced termination, and exit
// capture. Output lines are forwarded to a sink as they arrive.
package process

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/linthost-dev/linthost/internal/config"
)

// ExitStatus captures how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was signaled or
	// could not be waited on.
	Code int

	// Signal is the terminating signal name, empty if none.
	Signal string

	// Err is the error from Wait, if any.
	Err error
}

// String renders the exit status for log and channel records.
func (e ExitStatus) String() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	return "exit code " + strconv.Itoa(e.Code)
}

// TerminationResult reports how a terminate request concluded.
type TerminationResult struct {
	// Graceful is true if the process exited within the grace period
	// (or had already exited).
	Graceful bool

	// Exit is the final exit status.
	Exit ExitStatus
}

// OutputSink receives output lines from the supervised process.
// Implementations must be safe for concurrent use; lines arrive from
// dedicated reader goroutines.
type OutputSink interface {
	// MainLine receives a stdout line.
	MainLine(text string)

	// TraceLine receives a stderr line with its parsed verbosity.
	TraceLine(level config.TraceLevel, text string)
}

// Handle owns one running server process instance.
type Handle struct {
	// ID uniquely identifies this process instance. The supervisor
	// compares it against exit events to discard stale notifications.
	ID string

	// Started is when the process was spawned.
	Started time.Time

	cmd   *exec.Cmd
	stdin io.WriteCloser

	done    chan struct{}
	alive   atomic.Bool
	exitMu  sync.Mutex
	exit    ExitStatus
	readers sync.WaitGroup
}

// Spawn launches the server executable and begins forwarding its output
// to sink. It returns a *SpawnError if the process cannot be started.
func Spawn(path string, args []string, sink OutputSink) (*Handle, error) {
	cmd := exec.Command(path, args...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Path: path, Err: err}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Path: path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Path: path, Err: err}
	}

	h := &Handle{
		ID:      uuid.New().String(),
		Started: time.Now(),
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	h.alive.Store(true)

	h.readers.Add(2)
	go h.readLines(stdout, func(line string) {
		sink.MainLine(line)
	})
	go h.readLines(stderr, func(line string) {
		level, text := parseTraceLine(line)
		sink.TraceLine(level, text)
	})

	go h.waitLoop()

	return h, nil
}

// readLines forwards each line from r until the pipe closes.
func (h *Handle) readLines(r io.Reader, forward func(string)) {
	defer h.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		forward(scanner.Text())
	}
}

// parseTraceLine extracts the verbosity prefix the server emits on
// stderr. Unprefixed lines default to message-level.
func parseTraceLine(line string) (config.TraceLevel, string) {
	switch {
	case strings.HasPrefix(line, "[verbose] "):
		return config.TraceVerbose, line[len("[verbose] "):]
	case strings.HasPrefix(line, "[messages] "):
		return config.TraceMessages, line[len("[messages] "):]
	default:
		return config.TraceMessages, line
	}
}

// waitLoop waits for process exit, records the exit status, and closes
// the done channel. Output readers are drained first so no line is lost
// across the exit notification.
func (h *Handle) waitLoop() {
	h.readers.Wait()
	err := h.cmd.Wait()

	status := ExitStatus{Err: err}
	if err == nil {
		status.Code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else {
		status.Code = -1
	}

	h.exitMu.Lock()
	h.exit = status
	h.exitMu.Unlock()

	h.alive.Store(false)
	close(h.done)
}

// IsAlive is a non-blocking liveness probe.
func (h *Handle) IsAlive() bool {
	return h.alive.Load()
}

// Done returns a channel closed when the process has exited. This is
// the only way the supervisor learns of an unexpected crash.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exit returns the exit status. Valid only after Done is closed.
func (h *Handle) Exit() ExitStatus {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exit
}

// PID returns the OS process ID, or -1 if unavailable.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return -1
	}
	return h.cmd.Process.Pid
}

// Terminate requests a graceful shutdown via SIGTERM and escalates to
// SIGKILL if the process has not exited within graceTimeout. It blocks
// until the process is gone.
func (h *Handle) Terminate(graceTimeout time.Duration) TerminationResult {
	if !h.IsAlive() {
		<-h.done
		return TerminationResult{Graceful: true, Exit: h.Exit()}
	}

	// Closing stdin signals shutdown to servers that exit on EOF.
	h.stdin.Close()
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return TerminationResult{Graceful: true, Exit: h.Exit()}
	case <-time.After(graceTimeout):
	}

	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return TerminationResult{Graceful: false, Exit: h.Exit()}
}
