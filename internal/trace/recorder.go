package trace

import "sync"

// Sink receives pipeline and search events. Record is called on the hot
// path, possibly from many goroutines; it must return quickly and must not
// influence the run.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord delivers event to s, if any, and recovers a panicking sink.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Multi fans events out to several sinks. Nil sinks are ignored.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Record(event Event) {
	for _, s := range m {
		SafeRecord(s, event)
	}
}

// Recorder keeps every event in memory. Arrival order is irrelevant; Trace
// sorts events canonically.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	if event.Scope != nil {
		s := *event.Scope
		event.Scope = &s
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot copies the events recorded so far, in arrival order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Trace returns the recorded events as a canonicalized Trace.
func (r *Recorder) Trace(pipelineHash string) Trace {
	tr := Trace{PipelineHash: pipelineHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}
