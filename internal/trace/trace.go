// Package trace records what a pipeline run or search decided, stage by stage.
//
// The trace is observational only and must never affect execution behavior.
// Its canonical form is independent of scheduling: parallel searches and serial
// searches over the same inputs produce byte-identical canonical JSON.
package trace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Trace is the canonical, deterministic record of one or more pipeline runs.
//
// PipelineHash identifies the declared pipeline structure the events refer to.
type Trace struct {
	PipelineHash string
	Events       []Event
}

// EventKind is the stable discriminator for Event.
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventStageCached     EventKind = "StageCached"
	EventStageExecuted   EventKind = "StageExecuted"
	EventStageFailed     EventKind = "StageFailed"
	EventStageSkipped    EventKind = "StageSkipped"
	EventCandidateScored EventKind = "CandidateScored"
	EventCandidateFailed EventKind = "CandidateFailed"
)

// Scope locates an event inside a search. Fold is CandidateFold for
// per-candidate summaries and RefitFold for the full-data refit.
type Scope struct {
	Candidate int
	Fold      int
}

const (
	// RefitFold marks events produced by the refit run.
	RefitFold = -1
	// CandidateFold marks candidate-level events.
	CandidateFold = -2
)

// Event is a single logical transition or decision.
//
// Only Elapsed is runtime-dependent; it is excluded from canonical JSON.
type Event struct {
	Kind EventKind

	// Stage and StageIndex identify the stage for stage-level events.
	Stage      string
	StageIndex int

	// Key is the stage fingerprint, when caching is enabled.
	Key string

	// Scope is nil outside of a search.
	Scope *Scope

	// Score is the aggregated candidate score for EventCandidateScored.
	Score float64

	// Reason is a stable reason code (e.g. "StageError", "UpstreamFailed").
	Reason string

	Elapsed time.Duration
}

type scopeKey struct{}

// WithScope returns a context whose pipeline runs tag their events with s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope attached by WithScope, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	if !ok {
		return nil
	}
	return &s
}

func isStageEvent(kind EventKind) bool {
	switch kind {
	case EventStageCached, EventStageExecuted, EventStageFailed, EventStageSkipped:
		return true
	default:
		return false
	}
}

// Validate checks basic invariants and returns a descriptive error.
func (t *Trace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("pipelineHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if isStageEvent(e.Kind) && e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required for kind %q", i, e.Kind)
		}
		if !isStageEvent(e.Kind) && e.Scope == nil {
			return fmt.Errorf("events[%d].scope is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts the events into their canonical order:
// (scope, stageIndex, kindOrder, stage, key, reason). Unscoped events sort first.
func (t *Trace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if c := compareScope(a.Scope, b.Scope); c != 0 {
			return c < 0
		}
		if a.StageIndex != b.StageIndex {
			return a.StageIndex < b.StageIndex
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Reason < b.Reason
	})
}

func compareScope(a, b *Scope) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if a.Candidate != b.Candidate {
		if a.Candidate < b.Candidate {
			return -1
		}
		return 1
	}
	if a.Fold != b.Fold {
		if foldOrder(a.Fold) < foldOrder(b.Fold) {
			return -1
		}
		return 1
	}
	return 0
}

// foldOrder places a candidate's summary after its folds and the refit last.
func foldOrder(f int) int {
	switch f {
	case CandidateFold:
		return math.MaxInt - 1
	case RefitFold:
		return math.MaxInt
	}
	return f
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStageCached:
		return 10
	case EventStageExecuted:
		return 20
	case EventStageFailed:
		return 30
	case EventStageSkipped:
		return 40
	case EventCandidateScored:
		return 50
	case EventCandidateFailed:
		return 60
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy so the caller's slice is not reordered.
func (t Trace) CanonicalJSON() ([]byte, error) {
	c := Trace{PipelineHash: t.PipelineHash, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex digest of the canonical JSON bytes.
func (t Trace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// ComputeTraceHash is the hex sha256 of already-canonical trace bytes.
// Empty input yields "".
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// MarshalJSON fixes field order.
func (t Trace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"pipelineHash":`)
	writeString(&buf, t.PipelineHash)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := t.Events[i].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order, omits empty optional fields and drops Elapsed.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))

	if e.Stage != "" {
		buf.WriteString(`,"stage":`)
		writeString(&buf, e.Stage)
		buf.WriteString(`,"stageIndex":`)
		buf.WriteString(strconv.Itoa(e.StageIndex))
	}
	if e.Key != "" {
		buf.WriteString(`,"key":`)
		writeString(&buf, e.Key)
	}
	if e.Scope != nil {
		buf.WriteString(`,"candidate":`)
		buf.WriteString(strconv.Itoa(e.Scope.Candidate))
		buf.WriteString(`,"fold":`)
		buf.WriteString(strconv.Itoa(e.Scope.Fold))
	}
	if e.Kind == EventCandidateScored {
		buf.WriteString(`,"score":`)
		buf.WriteString(strconv.FormatFloat(e.Score, 'g', -1, 64))
	}
	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		writeString(&buf, e.Reason)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
