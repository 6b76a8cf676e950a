// Package channel implements the editor-visible output channels for the
// supervised analysis server.
//
// Records are append-only: a channel's history survives server restarts
// and is never truncated. A restart inserts a delimiter record so output
// from different server instances is visually separated.
package channel

import (
	"sync"
	"time"

	"github.com/linthost-dev/linthost/internal/config"
)

// Well-known channel names.
const (
	// Main receives server output and lifecycle reports.
	Main = "main"
	// Trace receives protocol trace output, filtered by trace level.
	Trace = "trace"
)

// Record is a single entry in a channel's history.
type Record struct {
	// Seq is the per-channel sequence number, monotonically increasing.
	Seq uint64

	// Time is when the record was appended.
	Time time.Time

	// Level is the verbosity the record was emitted at.
	Level config.TraceLevel

	// Text is the record content, without trailing newline.
	Text string

	// Delimiter marks a restart separator record.
	Delimiter bool
}

// Listener receives records appended to a subscribed channel.
type Listener func(channelName string, rec Record)

// Presenter brings a named channel into foreground visibility on the
// host editor. It must never mutate channel contents.
type Presenter interface {
	ShowChannel(name string)
}

// Subscription represents an active listener registration.
type Subscription struct {
	id     uint64
	router *Router
}

// Unsubscribe removes this subscription.
func (s *Subscription) Unsubscribe() {
	if s.router != nil {
		s.router.unsubscribe(s.id)
	}
}

type subscriber struct {
	channel  string
	listener Listener
}

// Router fans server output events into named channels, applying the
// trace-level filter to the trace channel only.
//
// Router is safe for concurrent use: output from the running process is
// appended without coordinating with supervisor state transitions.
type Router struct {
	mu        sync.RWMutex
	channels  map[string]*history
	level     config.TraceLevel
	presenter Presenter
	subs      map[uint64]subscriber
	nextSubID uint64
}

type history struct {
	records []Record
	nextSeq uint64
}

// NewRouter creates a router with the main and trace channels and the
// given initial trace level.
func NewRouter(level config.TraceLevel) *Router {
	return &Router{
		channels: map[string]*history{
			Main:  {},
			Trace: {},
		},
		level: level,
		subs:  make(map[uint64]subscriber),
	}
}

// SetPresenter sets the host collaborator used by Show.
func (r *Router) SetPresenter(p Presenter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presenter = p
}

// SetTraceLevel applies a new trace level immediately. Only future
// trace-channel records are affected; history is untouched.
func (r *Router) SetTraceLevel(level config.TraceLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.level = level
}

// TraceLevel returns the current trace level.
func (r *Router) TraceLevel() config.TraceLevel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.level
}

// Route appends a record to the named channel. Trace-channel records
// above the configured trace level are dropped; the main channel is
// unaffected by the trace level. Unknown channel names are dropped.
func (r *Router) Route(channelName string, level config.TraceLevel, text string) {
	r.append(channelName, level, text, false)
}

// Delimiter appends a restart separator record to every channel.
func (r *Router) Delimiter(text string) {
	r.append(Main, config.TraceOff, text, true)
	r.append(Trace, config.TraceOff, text, true)
}

func (r *Router) append(channelName string, level config.TraceLevel, text string, delimiter bool) {
	r.mu.Lock()

	h, ok := r.channels[channelName]
	if !ok {
		r.mu.Unlock()
		return
	}

	// Delimiters always land; they separate instances, not output.
	if !delimiter && channelName == Trace {
		if r.level == config.TraceOff || level > r.level {
			r.mu.Unlock()
			return
		}
	}

	rec := Record{
		Seq:       h.nextSeq,
		Time:      time.Now(),
		Level:     level,
		Text:      text,
		Delimiter: delimiter,
	}
	h.nextSeq++
	h.records = append(h.records, rec)

	var listeners []Listener
	for _, sub := range r.subs {
		if sub.channel == channelName {
			listeners = append(listeners, sub.listener)
		}
	}
	r.mu.Unlock()

	// Listeners run outside the lock so they may call back into the
	// router.
	for _, fn := range listeners {
		fn(channelName, rec)
	}
}

// Subscribe registers a listener for records appended to a channel.
func (r *Router) Subscribe(channelName string, fn Listener) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSubID
	r.nextSubID++
	r.subs[id] = subscriber{channel: channelName, listener: fn}

	return &Subscription{id: id, router: r}
}

func (r *Router) unsubscribe(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Records returns a copy of the named channel's history.
func (r *Router) Records(channelName string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.channels[channelName]
	if !ok {
		return nil
	}
	return append([]Record(nil), h.records...)
}

// Len returns the number of records in the named channel.
func (r *Router) Len(channelName string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.channels[channelName]
	if !ok {
		return 0
	}
	return len(h.records)
}

// Show requests that the host bring the named channel into view. It
// never mutates channel contents. A router without a presenter ignores
// the request.
func (r *Router) Show(channelName string) {
	r.mu.RLock()
	p := r.presenter
	r.mu.RUnlock()

	if p != nil {
		p.ShowChannel(channelName)
	}
}
