package query

import (
	"sort"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredSourceIDs TraceEventKind = "considered_source_ids"
	TraceEventUsedSourceIDs       TraceEventKind = "used_source_ids"
	TraceEventQueriedLabels       TraceEventKind = "queried_labels"
	TraceEventState               TraceEventKind = "state"

	TraceEventToolCall TraceEventKind = "tool_call"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	SourceIDs []string
	Labels    []string
	State     State

	ToolName      string
	ToolArguments string
	DurationMs    int64
	Error         string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func RecordConsideredSourceIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventConsideredSourceIDs, SourceIDs: ids})
}

func RecordUsedSourceIDs(t Tracer, ids ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventUsedSourceIDs, SourceIDs: ids})
}

func RecordQueriedLabels(t Tracer, labels ...string) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventQueriedLabels, Labels: labels})
}

func RecordState(t Tracer, s State) {
	if t == nil {
		return
	}
	t.Record(TraceEvent{Kind: TraceEventState, State: s})
}

func RecordToolCall(t Tracer, name, args string, durationMs int64, err error) {
	if t == nil {
		return
	}
	ev := TraceEvent{Kind: TraceEventToolCall, ToolName: name, ToolArguments: args, DurationMs: durationMs}
	if err != nil {
		ev.Error = err.Error()
	}
	t.Record(ev)
}

// ToolCall is one external call made while answering.
type ToolCall struct {
	Name       string `json:"name"`
	Arguments  string `json:"arguments,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// QueryTrace collects information about what data was considered and/or used
// during a query run.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	consideredSourceIDs map[string]struct{}
	usedSourceIDs       map[string]struct{}
	queriedLabels       map[string]struct{}
	toolCalls           []ToolCall
}

type QueryTraceSnapshot struct {
	ConsideredSourceIDs []string   `json:"considered_source_ids"`
	UsedSourceIDs       []string   `json:"used_source_ids"`
	QueriedLabels       []string   `json:"queried_labels,omitempty"`
	ToolCalls           []ToolCall `json:"tool_calls,omitempty"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		consideredSourceIDs: make(map[string]struct{}),
		usedSourceIDs:       make(map[string]struct{}),
		queriedLabels:       make(map[string]struct{}),
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredSourceIDs:
		addAll(t.consideredSourceIDs, event.SourceIDs)
	case TraceEventUsedSourceIDs:
		addAll(t.usedSourceIDs, event.SourceIDs)
	case TraceEventQueriedLabels:
		addAll(t.queriedLabels, event.Labels)
	case TraceEventToolCall:
		t.toolCalls = append(t.toolCalls, ToolCall{
			Name:       event.ToolName,
			Arguments:  event.ToolArguments,
			DurationMs: event.DurationMs,
			Error:      event.Error,
		})
	default:
		return
	}
}

func addAll(set map[string]struct{}, values []string) {
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		ConsideredSourceIDs: sortedKeys(t.consideredSourceIDs),
		UsedSourceIDs:       sortedKeys(t.usedSourceIDs),
		QueriedLabels:       sortedKeys(t.queriedLabels),
		ToolCalls:           append([]ToolCall(nil), t.toolCalls...),
	}
}
