package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/linthost-dev/linthost/internal/channel"
	"github.com/linthost-dev/linthost/internal/config"
	"github.com/linthost-dev/linthost/internal/logging"
)

// newTestSupervisor builds a started supervisor running a shell command
// as the analysis server. The supervisor is shut down at test end.
func newTestSupervisor(t *testing.T, script string) (*Supervisor, *channel.Router, *config.Store) {
	t.Helper()

	snap := config.DefaultSnapshot()
	snap.ServerPath = "sh"
	snap.ServerArgs = []string{"-c", script}

	store := config.NewStore(snap)
	router := channel.NewRouter(snap.TraceLevel)

	sup := New(store, router, logging.Null, WithGraceTimeout(500*time.Millisecond))
	sup.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	return sup, router, store
}

// waitForState polls until the supervisor reaches the wanted state.
func waitForState(t *testing.T, sup *Supervisor, want State, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current %s", want, sup.State())
}

// countContaining counts channel records whose text contains substr.
func countContaining(router *channel.Router, channelName, substr string) int {
	count := 0
	for _, rec := range router.Records(channelName) {
		if strings.Contains(rec.Text, substr) {
			count++
		}
	}
	return count
}

// countDelimiters counts delimiter records in a channel.
func countDelimiters(router *channel.Router, channelName string) int {
	count := 0
	for _, rec := range router.Records(channelName) {
		if rec.Delimiter {
			count++
		}
	}
	return count
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateRestarting, "restarting"},
		{StateCrashed, "crashed"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestActivateThenDeactivate(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 30")

	if sup.State() != StateStopped {
		t.Fatalf("expected initial state stopped, got %s", sup.State())
	}

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	if sup.Stats().PID <= 0 {
		t.Errorf("expected a live pid, got %d", sup.Stats().PID)
	}

	sup.DocumentClosed("typescript")
	waitForState(t, sup, StateStopped, 5*time.Second)

	// A clean stop is never reported as a crash.
	if n := countContaining(router, channel.Main, "unexpectedly"); n != 0 {
		t.Errorf("clean stop produced %d crash records", n)
	}
	if n := countContaining(router, channel.Main, "analysis server stopped"); n != 1 {
		t.Errorf("expected 1 stop record, got %d", n)
	}
}

func TestNoDuplicateSpawn(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 30")

	// Several matching documents open in a burst: at most one spawn.
	sup.DocumentOpened("typescript")
	sup.DocumentOpened("javascript")
	sup.DocumentOpened("typescriptreact")
	sup.DocumentOpened("typescript")

	waitForState(t, sup, StateRunning, 5*time.Second)
	time.Sleep(200 * time.Millisecond)

	if n := countContaining(router, channel.Main, "started"); n != 1 {
		t.Errorf("expected exactly 1 start record, got %d", n)
	}
}

func TestServerStaysUpWhileAnyDocumentOpen(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	sup.DocumentOpened("javascript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	sup.DocumentClosed("typescript")
	time.Sleep(200 * time.Millisecond)

	if sup.State() != StateRunning {
		t.Errorf("server stopped while a matching document was still open")
	}

	sup.DocumentClosed("javascript")
	waitForState(t, sup, StateStopped, 5*time.Second)
}

func TestNonMatchingLanguageDoesNotSpawn(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("python")
	time.Sleep(200 * time.Millisecond)

	if sup.State() != StateStopped {
		t.Errorf("non-matching language spawned a server, state %s", sup.State())
	}
}

func TestUnexpectedExitBecomesCrashed(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 0.2; exit 1")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)
	waitForState(t, sup, StateCrashed, 5*time.Second)

	// Exactly one error record naming the exit code.
	if n := countContaining(router, channel.Main, "exit code 1"); n != 1 {
		t.Errorf("expected exactly 1 crash record with exit code 1, got %d", n)
	}
	if n := countContaining(router, channel.Main, "restartServer"); n != 1 {
		t.Errorf("expected restart suggestion, got %d records", n)
	}

	stats := sup.Stats()
	if stats.LastExit == nil || stats.LastExit.Code != 1 {
		t.Errorf("expected last exit code 1, got %+v", stats.LastExit)
	}
}

func TestCrashRecoveredByRestartCommand(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 0.2; exit 1")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateCrashed, 5*time.Second)

	sup.RequestRestart()
	waitForState(t, sup, StateRunning, 5*time.Second)

	if n := countDelimiters(router, channel.Main); n != 1 {
		t.Errorf("expected 1 delimiter for the restart, got %d", n)
	}
}

func TestSpawnFailureBecomesCrashed(t *testing.T) {
	snap := config.DefaultSnapshot()
	snap.ServerPath = "/nonexistent/lint-langserver"

	store := config.NewStore(snap)
	router := channel.NewRouter(snap.TraceLevel)
	sup := New(store, router, logging.Null, WithGraceTimeout(500*time.Millisecond))
	sup.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateCrashed, 5*time.Second)

	if n := countContaining(router, channel.Main, "failed to start"); n != 1 {
		t.Errorf("expected 1 spawn failure record, got %d", n)
	}
}

func TestRestartReplacesProcess(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)
	firstPID := sup.Stats().PID

	before := router.Len(channel.Main)

	sup.RequestRestart()
	waitForState(t, sup, StateRunning, 5*time.Second)

	secondPID := sup.Stats().PID
	if secondPID <= 0 || secondPID == firstPID {
		t.Errorf("expected a new process, pids %d -> %d", firstPID, secondPID)
	}

	// History is preserved across the restart and grows.
	if after := router.Len(channel.Main); after <= before {
		t.Errorf("history shrank across restart: %d -> %d", before, after)
	}
	if n := countDelimiters(router, channel.Main); n != 1 {
		t.Errorf("expected exactly 1 delimiter, got %d", n)
	}
	if sup.Stats().Restarts != 1 {
		t.Errorf("expected 1 restart, got %d", sup.Stats().Restarts)
	}

	// The replaced instance's exit must not be reported as a crash.
	time.Sleep(200 * time.Millisecond)
	if n := countContaining(router, channel.Main, "unexpectedly"); n != 0 {
		t.Errorf("restart produced %d crash records", n)
	}
}

func TestRestartCoalescing(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	// A burst of restart requests coalesces into one cycle.
	for i := 0; i < 5; i++ {
		sup.RequestRestart()
	}

	waitForState(t, sup, StateRunning, 5*time.Second)
	time.Sleep(300 * time.Millisecond)

	if n := countDelimiters(router, channel.Main); n != 1 {
		t.Errorf("expected 1 delimiter for coalesced restarts, got %d", n)
	}
	if got := sup.Stats().Restarts; got != 1 {
		t.Errorf("expected 1 restart cycle, got %d", got)
	}
	if n := countContaining(router, channel.Main, "started"); n != 2 {
		t.Errorf("expected 2 start records (initial + restart), got %d", n)
	}
}

func TestRestartWhileStoppedIsNoop(t *testing.T) {
	sup, router, _ := newTestSupervisor(t, "sleep 30")

	sup.RequestRestart()
	time.Sleep(200 * time.Millisecond)

	if sup.State() != StateStopped {
		t.Errorf("expected stopped, got %s", sup.State())
	}
	if n := countDelimiters(router, channel.Main); n != 0 {
		t.Errorf("no-op restart inserted %d delimiters", n)
	}
	if sup.Stats().Restarts != 0 {
		t.Errorf("no-op restart counted: %d", sup.Stats().Restarts)
	}
}

func TestTraceLevelChangeIsLive(t *testing.T) {
	script := `while true; do echo "[verbose] tick" 1>&2; sleep 0.05; done`
	sup, router, store := newTestSupervisor(t, script)

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)
	pid := sup.Stats().PID

	// At the default level nothing reaches the trace channel.
	time.Sleep(200 * time.Millisecond)
	if n := router.Len(channel.Trace); n != 0 {
		t.Fatalf("expected empty trace channel at level off, got %d records", n)
	}

	next := store.Current()
	next.TraceLevel = config.TraceVerbose
	sup.ApplyConfig(next)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && router.Len(channel.Trace) == 0 {
		time.Sleep(20 * time.Millisecond)
	}
	if router.Len(channel.Trace) == 0 {
		t.Fatal("verbose records never reached the trace channel")
	}

	// The change applied without restarting the process.
	if got := sup.Stats().PID; got != pid {
		t.Errorf("trace level change restarted the server: pid %d -> %d", pid, got)
	}
	if sup.Stats().Restarts != 0 {
		t.Errorf("trace level change counted as restart")
	}
}

func TestDisableStopsServer(t *testing.T) {
	sup, router, store := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	next := store.Current()
	next.Enabled = false
	sup.ApplyConfig(next)

	waitForState(t, sup, StateStopped, 5*time.Second)
	if n := countContaining(router, channel.Main, "unexpectedly"); n != 0 {
		t.Errorf("disable produced %d crash records", n)
	}

	// Re-enabling while the document is still open brings it back.
	next.Enabled = true
	sup.ApplyConfig(next)
	waitForState(t, sup, StateRunning, 5*time.Second)
}

func TestScopeChangeStopsServer(t *testing.T) {
	sup, _, store := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	next := store.Current()
	next.Languages = []string{"python"}
	sup.ApplyConfig(next)

	waitForState(t, sup, StateStopped, 5*time.Second)
}

func TestShutdown(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "sleep 30")

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if sup.State() != StateStopped {
		t.Errorf("expected stopped after shutdown, got %s", sup.State())
	}

	// A second shutdown is harmless.
	if err := sup.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown errored: %v", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "sleep 30")

	stats := sup.Stats()
	if stats.State != StateStopped || stats.Restarts != 0 || stats.LastExit != nil {
		t.Errorf("unexpected initial stats: %+v", stats)
	}

	sup.DocumentOpened("typescript")
	waitForState(t, sup, StateRunning, 5*time.Second)

	stats = sup.Stats()
	if stats.LastStart.IsZero() {
		t.Error("expected last start time to be set")
	}
	if stats.PID <= 0 {
		t.Errorf("expected live pid, got %d", stats.PID)
	}
}
