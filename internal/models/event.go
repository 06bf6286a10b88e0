// Package models holds the domain types shared by the store, registry,
// mailbox, replay, session, and conversation packages.
package models

import "time"

// EventKind tags the semantic meaning of an Event. It is a tagged variant
// with a closed set of named arms below plus an implicit Unknown(string)
// arm: a Kind for which Valid reports false is not malformed, it is a
// forward-compatible row written by a newer build. Event.Kind already
// carries that raw string, so Unknown needs no separate representation;
// readers that do not recognize Kind treat the event as opaque data rather
// than rejecting it (see replay.play's default case).
type EventKind string

const (
	EventClear        EventKind = "clear"
	EventSystem       EventKind = "system"
	EventUser         EventKind = "user"
	EventAssistant    EventKind = "assistant"
	EventToolCall     EventKind = "tool_call"
	EventToolResult   EventKind = "tool_result"
	EventMark         EventKind = "mark"
	EventRewind       EventKind = "rewind"
	EventInterrupted  EventKind = "interrupted"
	EventAgentKilled  EventKind = "agent_killed"
	EventCommand      EventKind = "command"
	EventFork         EventKind = "fork"
)

// validKinds is consulted by EventKind.Valid and by store implementations
// that must reject unknown kinds before they reach the database.
var validKinds = map[EventKind]bool{
	EventClear:       true,
	EventSystem:      true,
	EventUser:        true,
	EventAssistant:   true,
	EventToolCall:    true,
	EventToolResult:  true,
	EventMark:        true,
	EventRewind:      true,
	EventInterrupted: true,
	EventAgentKilled: true,
	EventCommand:     true,
	EventFork:        true,
}

// Valid reports whether k is one of the named event kinds. Write paths
// (store.Insert) reject events whose Kind fails Valid; read paths (replay)
// must not, since a row can legitimately carry a Kind this build predates.
func (k EventKind) Valid() bool {
	return validKinds[k]
}

// Event is a single immutable entry in a session's append-only log. Id
// defines the total order of events within a session; it is assigned by the
// store on insert and never reused.
type Event struct {
	ID        int64          `json:"id"`
	SessionID int64          `json:"session_id"`
	AgentUUID string         `json:"agent_uuid,omitempty"`
	Kind      EventKind      `json:"kind"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RewindTarget extracts the target_message_id recorded on a rewind event's
// Data. It returns 0, false if Data is missing the field or the event is not
// a rewind.
func (e *Event) RewindTarget() (int64, bool) {
	if e.Kind != EventRewind || e.Data == nil {
		return 0, false
	}
	switch v := e.Data["target_message_id"].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// MarkLabel extracts the optional label recorded on a mark or rewind event.
func (e *Event) MarkLabel() (string, bool) {
	if e.Data == nil {
		return "", false
	}
	label, ok := e.Data["label"].(string)
	return label, ok && label != ""
}
