// Package agent runs conversation turns: it routes the turn to a model,
// streams the completion, executes tool calls with confirmation gates on
// risky operations, parses widget directives out of the reply, and
// persists the result. Every observable step is emitted as an Event so
// transports (SSE, websocket, tests) stay decoupled from the loop.
package agent

import (
	"context"
	"sync"
)

// EventType enumerates the turn event vocabulary. The values are part of
// the streaming API contract.
type EventType string

const (
	EventToken        EventType = "token"
	EventWidget       EventType = "widget"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventConfirmation EventType = "confirmation"
	EventRouting      EventType = "routing"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// Event is one observable step of a turn.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventSink receives turn events in emission order.
// Implementations must be safe for concurrent use.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// ChanSink delivers events to a channel. It blocks when the channel is
// full so that backpressure suspends the producing turn instead of
// dropping frames; cancellation of the turn context is the only escape.
type ChanSink struct {
	ch chan<- Event
}

// NewChanSink wraps a channel as a sink.
func NewChanSink(ch chan<- Event) *ChanSink {
	return &ChanSink{ch: ch}
}

func (s *ChanSink) Emit(ctx context.Context, e Event) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	}
}

// MultiSink fans out events to several sinks in order. Nil sinks are
// filtered at construction.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink combines sinks; nils are dropped.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// RecorderSink captures events for test assertions.
type RecorderSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *RecorderSink) Emit(ctx context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything recorded so far.
func (s *RecorderSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns just the event types, in order.
func (s *RecorderSink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e Event) {}
