package events

// Event is a structured state change emitted by the registry and its
// adapters. Attributes carry enough detail for an indexer to reconstruct
// per-market share/balance/total deltas without re-reading state.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType implements the Emitted interface.
func (e *Event) EventType() string {
	if e == nil {
		return ""
	}
	return e.Type
}

// Emitted is the minimal surface downstream subscribers consume.
type Emitted interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (RPC feeds, indexers).
type Emitter interface {
	Emit(Emitted)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
// It is the default for engines whose callers did not wire a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Emitted) {}

// CollectingEmitter buffers emitted events in order. Primarily used by tests
// and by the RPC event feed.
type CollectingEmitter struct {
	Events []Emitted
}

// Emit implements the Emitter interface.
func (c *CollectingEmitter) Emit(evt Emitted) {
	if c == nil || evt == nil {
		return
	}
	c.Events = append(c.Events, evt)
}
