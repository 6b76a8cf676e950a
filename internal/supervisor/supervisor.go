// Package supervisor coordinates the analysis-server lifecycle: it
// reconciles editor activation events, user commands, and the external
// process's own exits into a single consistent state machine.
//
// All mutable supervisor state is owned by one event loop; editor
// events, commands, configuration changes, and process notifications
// are pushed onto a serialized queue and processed in arrival order.
// Spawn and terminate block on OS calls, so they run on worker
// goroutines and report back as queued events.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linthost-dev/linthost/internal/channel"
	"github.com/linthost-dev/linthost/internal/config"
	"github.com/linthost-dev/linthost/internal/logging"
	"github.com/linthost-dev/linthost/internal/process"
)

// DefaultGraceTimeout bounds graceful termination before SIGKILL.
const DefaultGraceTimeout = 2 * time.Second

// Supervisor owns the supervised server's lifecycle state machine.
// At most one live server process exists per Supervisor at any time.
type Supervisor struct {
	store  *config.Store
	router *channel.Router
	logger *logging.Logger

	graceTimeout time.Duration
	queueSize    int

	events    chan event
	done      chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup

	// state mirror for lock-free reads; authoritative value is
	// loop-owned.
	state atomic.Int32

	// Loop-owned fields. Only the event loop touches these.
	proc        *process.Handle
	spawning    bool
	terminating bool
	openDocs    map[string]int

	// Stats fields, written by the loop under statsMu.
	statsMu   sync.Mutex
	restarts  int
	pid       int
	lastStart time.Time
	lastExit  *process.ExitStatus
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGraceTimeout sets the graceful-termination timeout.
func WithGraceTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.graceTimeout = d
	}
}

// WithQueueSize sets the event queue capacity.
func WithQueueSize(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// New creates a supervisor. Call Start to begin processing events.
func New(store *config.Store, router *channel.Router, logger *logging.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:        store,
		router:       router,
		logger:       logger.WithComponent("supervisor"),
		graceTimeout: DefaultGraceTimeout,
		queueSize:    64,
		done:         make(chan struct{}),
		openDocs:     make(map[string]int),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.events = make(chan event, s.queueSize)
	s.state.Store(int32(StateStopped))
	return s
}

// Start launches the event loop. Safe to call once.
func (s *Supervisor) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a point-in-time view of the supervisor.
func (s *Supervisor) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		State:     s.State(),
		Restarts:  s.restarts,
		PID:       s.pid,
		LastStart: s.lastStart,
		LastExit:  s.lastExit,
	}
}

// DocumentOpened reports that a document with the given language
// identifier was opened in the editor.
func (s *Supervisor) DocumentOpened(languageID string) {
	s.enqueue(event{kind: evDocOpened, language: languageID})
}

// DocumentClosed reports that a document with the given language
// identifier was closed.
func (s *Supervisor) DocumentClosed(languageID string) {
	s.enqueue(event{kind: evDocClosed, language: languageID})
}

// RequestRestart asks for a server restart. Duplicate requests while a
// restart is already underway coalesce into one; a restart while
// stopped is a no-op.
func (s *Supervisor) RequestRestart() {
	s.enqueue(event{kind: evRestart})
}

// ApplyConfig submits a new settings snapshot.
func (s *Supervisor) ApplyConfig(snap config.Snapshot) {
	s.enqueue(event{kind: evConfig, snapshot: snap.Clone()})
}

// Shutdown tears the supervised session down: the server is terminated
// gracefully (forced after the grace timeout) and the event loop exits.
// Channel histories remain readable afterward.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	reply := make(chan struct{})
	s.enqueue(event{kind: evShutdown, reply: reply})

	select {
	case <-reply:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.wg.Wait()
	return nil
}

// enqueue pushes an event unless the supervisor has shut down.
func (s *Supervisor) enqueue(ev event) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

// loop is the single serialized event processor.
func (s *Supervisor) loop() {
	defer s.wg.Done()

	for ev := range s.events {
		if ev.kind == evShutdown {
			s.handleShutdown(ev)
			return
		}
		s.handle(ev)
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev.kind {
	case evDocOpened:
		s.openDocs[ev.language]++
		s.reconcile()

	case evDocClosed:
		if s.openDocs[ev.language] > 0 {
			s.openDocs[ev.language]--
		}
		s.reconcile()

	case evRestart:
		s.handleRestart()

	case evConfig:
		s.handleConfig(ev.snapshot)

	case evSpawnResult:
		s.handleSpawnResult(ev.handle, ev.spawnErr)

	case evExited:
		s.handleExited(ev.instance, ev.exit)

	case evTermDone:
		s.terminating = false
		if !ev.graceful {
			s.logger.Warn("graceful shutdown timed out, server was killed")
		}
		s.reconcile()
	}
}

// desired reports whether a running server is wanted: the activation
// scope is non-empty, i.e. at least one open document matches the
// configured languages and the integration is enabled.
func (s *Supervisor) desired() bool {
	snap := s.store.Current()
	for lang, count := range s.openDocs {
		if count > 0 && snap.Matches(lang) {
			return true
		}
	}
	return false
}

// reconcile compares the desired and actual lifecycle state and starts
// or stops the server accordingly. It never runs two spawns
// concurrently and never spawns while a termination is in flight.
func (s *Supervisor) reconcile() {
	want := s.desired()

	switch {
	case want && s.State() == StateStopped && !s.spawning && !s.terminating:
		s.beginSpawn(StateStarting)

	case !want && s.State() == StateRunning:
		old := s.proc
		s.proc = nil
		s.setPID(-1)
		s.setState(StateStopped)
		s.report("analysis server stopped")
		s.beginTerminate(old)

	case !want && s.State() == StateStarting:
		// Spawn in flight; the stray handle is cleaned up when the
		// spawn result arrives.
		s.setState(StateStopped)

	case !want && s.State() == StateCrashed:
		s.setState(StateStopped)
	}
}

func (s *Supervisor) handleRestart() {
	switch s.State() {
	case StateRunning:
		s.bumpRestarts()
		s.router.Delimiter(restartDelimiter())
		old := s.proc
		s.proc = nil
		s.setPID(-1)
		s.setState(StateRestarting)
		s.spawning = true
		snap := s.store.Current()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			res := old.Terminate(s.graceTimeout)
			if !res.Graceful {
				s.logger.Warn("graceful shutdown timed out, server was killed")
			}
			h, err := process.Spawn(snap.ServerPath, snap.ServerArgs, s.sink())
			s.enqueue(event{kind: evSpawnResult, handle: h, spawnErr: err})
		}()

	case StateCrashed:
		s.bumpRestarts()
		s.router.Delimiter(restartDelimiter())
		s.beginSpawn(StateStarting)

	case StateStarting, StateRestarting:
		// A start or restart is already underway; coalesce.
		s.logger.Debug("restart request coalesced in state %s", s.State())

	case StateStopped:
		// Nothing to restart.
		s.logger.Debug("restart requested while stopped, ignoring")
	}
}

func (s *Supervisor) handleConfig(snap config.Snapshot) {
	changes := s.store.Preview(snap)
	if !changes.Any() {
		return
	}

	if changes.TraceLevel {
		// Filtering happens at the router; the process is untouched.
		s.router.SetTraceLevel(snap.TraceLevel)
		s.logger.Info("trace level set to %s", snap.TraceLevel)
	}
	if changes.Server {
		s.logger.Info("server command changed, takes effect on next restart")
	}

	s.store.Commit(snap)

	if changes.Enabled || changes.Languages {
		s.reconcile()
	}
}

// beginSpawn starts a spawn worker and moves to the given state.
func (s *Supervisor) beginSpawn(state State) {
	s.setState(state)
	s.spawning = true
	snap := s.store.Current()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h, err := process.Spawn(snap.ServerPath, snap.ServerArgs, s.sink())
		s.enqueue(event{kind: evSpawnResult, handle: h, spawnErr: err})
	}()
}

// beginTerminate starts a terminate worker for a retired handle.
func (s *Supervisor) beginTerminate(old *process.Handle) {
	if old == nil {
		return
	}
	s.terminating = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := old.Terminate(s.graceTimeout)
		s.enqueue(event{kind: evTermDone, graceful: res.Graceful})
	}()
}

func (s *Supervisor) handleSpawnResult(h *process.Handle, spawnErr error) {
	s.spawning = false

	if spawnErr != nil {
		if s.desired() && (s.State() == StateStarting || s.State() == StateRestarting) {
			s.setState(StateCrashed)
			s.logger.Error("spawn failed: %v", spawnErr)
			s.report(fmt.Sprintf("failed to start analysis server: %v; run the restartServer command to try again", spawnErr))
		} else {
			s.setState(StateStopped)
			s.logger.Warn("spawn failed after deactivation: %v", spawnErr)
		}
		return
	}

	if !s.desired() || (s.State() != StateStarting && s.State() != StateRestarting) {
		// Deactivated while the spawn was in flight; retire the fresh
		// instance immediately.
		s.setState(StateStopped)
		s.beginTerminate(h)
		return
	}

	s.proc = h
	s.setPID(h.PID())
	s.markStarted()
	s.setState(StateRunning)
	s.report(fmt.Sprintf("analysis server started (pid %d)", h.PID()))
	s.watchExit(h)
}

// watchExit forwards the instance's exit notification onto the queue.
func (s *Supervisor) watchExit(h *process.Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-h.Done()
		s.enqueue(event{kind: evExited, instance: h.ID, exit: h.Exit()})
	}()
}

func (s *Supervisor) handleExited(instance string, exit process.ExitStatus) {
	if s.proc == nil || s.proc.ID != instance {
		// Exit of a retired instance (clean stop or restart already
		// initiated); the event order already resolved the race.
		s.logger.Debug("ignoring exit of retired instance %s", instance)
		return
	}

	// Unsolicited exit while expected to be alive.
	s.proc = nil
	s.setPID(-1)
	s.setLastExit(exit)
	s.setState(StateCrashed)
	s.logger.Error("analysis server crashed: %s", exit)
	s.report(fmt.Sprintf("analysis server exited unexpectedly (%s); run the restartServer command to restart it", exit))
}

func (s *Supervisor) handleShutdown(ev event) {
	if s.proc != nil {
		old := s.proc
		s.proc = nil
		res := old.Terminate(s.graceTimeout)
		if !res.Graceful {
			s.logger.Warn("graceful shutdown timed out, server was killed")
		}
		s.report("analysis server stopped")
	}

	// Drain outstanding workers so no process outlives the session.
	for s.spawning || s.terminating {
		ev2 := <-s.events
		switch ev2.kind {
		case evSpawnResult:
			s.spawning = false
			if ev2.handle != nil {
				ev2.handle.Terminate(s.graceTimeout)
			}
		case evTermDone:
			s.terminating = false
		}
	}

	s.setPID(-1)
	s.setState(StateStopped)
	close(s.done)
	if ev.reply != nil {
		close(ev.reply)
	}
}

// sink returns the router-backed output sink for spawned processes.
func (s *Supervisor) sink() process.OutputSink {
	return routerSink{router: s.router}
}

// report appends a lifecycle record to the main channel.
func (s *Supervisor) report(text string) {
	s.router.Route(channel.Main, config.TraceMessages, text)
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Supervisor) bumpRestarts() {
	s.statsMu.Lock()
	s.restarts++
	s.statsMu.Unlock()
}

func (s *Supervisor) setPID(pid int) {
	s.statsMu.Lock()
	s.pid = pid
	s.statsMu.Unlock()
}

func (s *Supervisor) markStarted() {
	s.statsMu.Lock()
	s.lastStart = time.Now()
	s.statsMu.Unlock()
}

func (s *Supervisor) setLastExit(exit process.ExitStatus) {
	s.statsMu.Lock()
	s.lastExit = &exit
	s.statsMu.Unlock()
}

func restartDelimiter() string {
	return fmt.Sprintf("---- server restart %s ----", time.Now().Format(time.RFC3339))
}

// routerSink bridges process output into the output router.
type routerSink struct {
	router *channel.Router
}

func (r routerSink) MainLine(text string) {
	r.router.Route(channel.Main, config.TraceMessages, text)
}

func (r routerSink) TraceLine(level config.TraceLevel, text string) {
	r.router.Route(channel.Trace, level, text)
}
