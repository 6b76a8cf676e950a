// Package config holds the user-facing settings for the supervised
// analysis server and computes diffs between setting snapshots.
//
// The Store separates reading a proposed snapshot (Preview) from
// committing it, so the supervisor can decide how to react to each
// changed field before any state is mutated.
package config

import (
	"fmt"
	"sort"
	"sync"
)

// TraceLevel controls the verbosity of the trace output channel.
// Levels are totally ordered: Off < Messages < Verbose.
type TraceLevel int

const (
	// TraceOff disables all trace output.
	TraceOff TraceLevel = iota
	// TraceMessages emits message-level trace output.
	TraceMessages
	// TraceVerbose emits full trace output.
	TraceVerbose
)

// String returns the setting value name for the trace level.
func (l TraceLevel) String() string {
	switch l {
	case TraceOff:
		return "off"
	case TraceMessages:
		return "messages"
	case TraceVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// ParseTraceLevel parses a setting value into a TraceLevel.
func ParseTraceLevel(s string) (TraceLevel, error) {
	switch s {
	case "off", "":
		return TraceOff, nil
	case "messages":
		return TraceMessages, nil
	case "verbose":
		return TraceVerbose, nil
	default:
		return TraceOff, fmt.Errorf("invalid trace level %q", s)
	}
}

// DefaultLanguages is the activation scope shipped by default: the four
// JS/TS document language identifiers the analysis server understands.
func DefaultLanguages() []string {
	return []string{"javascript", "javascriptreact", "typescript", "typescriptreact"}
}

// DefaultServerPath is the executable name of the analysis server,
// resolved via PATH unless overridden in settings.
const DefaultServerPath = "lint-langserver"

// Snapshot is a complete, immutable view of the user settings. All
// fields are required; defaults are specified once in DefaultSnapshot.
type Snapshot struct {
	// TraceLevel filters trace-channel output.
	TraceLevel TraceLevel

	// Languages is the activation scope: document language identifiers
	// for which a running server must be maintained.
	Languages []string

	// ServerPath is the analysis server executable.
	ServerPath string

	// ServerArgs are extra command-line arguments for the server.
	ServerArgs []string

	// Enabled globally toggles the integration. Disabling is equivalent
	// to the activation scope becoming empty.
	Enabled bool
}

// DefaultSnapshot returns the settings used when no file is present.
func DefaultSnapshot() Snapshot {
	return Snapshot{
		TraceLevel: TraceOff,
		Languages:  DefaultLanguages(),
		ServerPath: DefaultServerPath,
		Enabled:    true,
	}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Languages = append([]string(nil), s.Languages...)
	c.ServerArgs = append([]string(nil), s.ServerArgs...)
	return c
}

// Matches reports whether the given document language identifier is in
// the activation scope. A disabled snapshot matches nothing.
func (s Snapshot) Matches(languageID string) bool {
	if !s.Enabled {
		return false
	}
	for _, l := range s.Languages {
		if l == languageID {
			return true
		}
	}
	return false
}

// Changes records which snapshot fields differ between two snapshots.
type Changes struct {
	TraceLevel bool
	Languages  bool
	Server     bool
	Enabled    bool
}

// Any reports whether any field changed.
func (c Changes) Any() bool {
	return c.TraceLevel || c.Languages || c.Server || c.Enabled
}

// Diff computes which fields changed between two snapshots. It is pure
// and has no side effects on either snapshot.
func Diff(old, new Snapshot) Changes {
	return Changes{
		TraceLevel: old.TraceLevel != new.TraceLevel,
		Languages:  !sameSet(old.Languages, new.Languages),
		Server:     old.ServerPath != new.ServerPath || !sameList(old.ServerArgs, new.ServerArgs),
		Enabled:    old.Enabled != new.Enabled,
	}
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return sameList(as, bs)
}

// Store holds the current committed settings snapshot. It is owned by
// the supervisor; other components read through Current.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
}

// NewStore creates a store seeded with the given snapshot.
func NewStore(s Snapshot) *Store {
	return &Store{current: s.Clone()}
}

// Current returns the committed snapshot.
func (st *Store) Current() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.Clone()
}

// Preview diffs a proposed snapshot against the committed one without
// mutating anything.
func (st *Store) Preview(s Snapshot) Changes {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Diff(st.current, s)
}

// Commit replaces the committed snapshot and returns the changes
// relative to the previous one.
func (st *Store) Commit(s Snapshot) Changes {
	st.mu.Lock()
	defer st.mu.Unlock()
	changes := Diff(st.current, s)
	st.current = s.Clone()
	return changes
}
