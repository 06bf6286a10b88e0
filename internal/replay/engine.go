// Package replay rebuilds an agent's conversational context from the event
// log: it walks the agent's ancestry backward to collect the ranges of
// events relevant to it, then plays those ranges forward through a stateful
// reducer to produce an ordered message list and a mark stack.
package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/observability"
	"github.com/arborhq/arbor/internal/store"
)

// Message is one reconstructed conversational turn, derived from an Event.
// clear resets the list outright, interrupted trims a trailing partial
// turn, and rewind truncates back to its mark before appending itself (a
// rewind whose mark is not on the stack is skipped); every other kind,
// including mark/fork/command/agent_killed and any kind this build does not
// recognize, appends verbatim.
type Message struct {
	EventID int64
	Kind    models.EventKind
	Content string
	Data    map[string]any
}

// MarkEntry is one entry of the reconstructed mark stack.
type MarkEntry struct {
	MessageID int64
	Label     string
}

// Context is the result of a single Rebuild call: the ordered message list
// an agent should send to its provider, and the mark stack mark/rewind
// commands operate against. Its lifetime is bounded by the caller; the
// engine holds no reference to it after Rebuild returns.
type Context struct {
	Messages  []Message
	MarkStack []MarkEntry
}

// agentSource is the subset of the agent registry the engine needs: a
// single-agent lookup. Kept narrow so replay can be tested against a bare
// map without pulling in the full registry package.
type agentSource interface {
	Get(ctx context.Context, uuid string) (*models.Agent, error)
}

// Engine rebuilds replay contexts from a store.EventStore and an agent
// source.
type Engine struct {
	events  store.EventStore
	agents  agentSource
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New returns an Engine. logger may be nil, in which case a discard logger
// is used. metrics may be nil, in which case instrumentation is skipped.
func New(events store.EventStore, agents agentSource, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}
	return &Engine{events: events, agents: agents, logger: logger, metrics: metrics}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type agentRange struct {
	agentUUID string
	events    []*models.Event
}

// Rebuild reconstructs the full Context for agentUUID.
func (e *Engine) Rebuild(ctx context.Context, sessionID int64, agentUUID string) (*Context, error) {
	start := time.Now()
	ranges, err := e.buildRanges(ctx, sessionID, agentUUID)
	if err != nil {
		e.observe("error", start, nil)
		return nil, err
	}
	out := play(ranges, e.logger)
	e.observe("ok", start, out)
	if e.metrics != nil {
		e.metrics.ReplayRanges.Observe(float64(len(ranges)))
	}
	return out, nil
}

func (e *Engine) observe(result string, start time.Time, out *Context) {
	if e.metrics == nil {
		return
	}
	e.metrics.ReplayDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if out != nil {
		e.metrics.MarkStackDepth.Observe(float64(len(out.MarkStack)))
	}
}

// buildRanges walks the agent's ancestry backward, producing ranges in
// chronological (eldest ancestor first) order. The walk stops early at
// either a root agent or an explicit clear event, since nothing before a
// clear contributes to the rebuilt context.
func (e *Engine) buildRanges(ctx context.Context, sessionID int64, agentUUID string) ([]agentRange, error) {
	var ranges []agentRange

	cur, err := e.agents.Get(ctx, agentUUID)
	if err != nil {
		return nil, err
	}

	endID := int64(0) // open-ended for the innermost (target) agent
	for {
		events, err := e.events.LoadRange(ctx, sessionID, cur.UUID, cur.ForkMessageID, endID)
		if err != nil {
			return nil, err
		}

		clearIdx := -1
		for i, ev := range events {
			if ev.Kind == models.EventClear {
				clearIdx = i
			}
		}
		truncated := clearIdx >= 0
		if truncated {
			events = events[clearIdx:]
		}

		ranges = append([]agentRange{{agentUUID: cur.UUID, events: events}}, ranges...)

		if truncated || cur.IsRoot() {
			break
		}

		endID = cur.ForkMessageID
		parent, err := e.agents.Get(ctx, *cur.ParentUUID)
		if err != nil {
			e.logger.Warn("replay: dangling parent reference, treating as root",
				"agent", cur.UUID, "missing_parent", *cur.ParentUUID, "err", err)
			break
		}
		cur = parent
	}

	return ranges, nil
}

// play is the Phase 2 stateful reducer: it walks every event across every
// range in order and maintains (messages, markStack).
func play(ranges []agentRange, logger *slog.Logger) *Context {
	messages := make([]Message, 0, 16)
	markStack := make([]MarkEntry, 0, 4)

	for _, r := range ranges {
		for _, ev := range r.events {
			switch ev.Kind {
			case models.EventClear:
				messages = messages[:0]
				markStack = markStack[:0]
			case models.EventSystem, models.EventUser, models.EventAssistant, models.EventToolCall, models.EventToolResult:
				messages = append(messages, Message{EventID: ev.ID, Kind: ev.Kind, Content: ev.Content, Data: ev.Data})
			case models.EventMark:
				label, _ := ev.MarkLabel()
				messages = append(messages, Message{EventID: ev.ID, Kind: ev.Kind, Content: ev.Content, Data: ev.Data})
				markStack = append(markStack, MarkEntry{MessageID: ev.ID, Label: label})
			case models.EventRewind:
				target, ok := ev.RewindTarget()
				if !ok {
					continue
				}
				idx := findMark(markStack, target)
				if idx == -1 {
					// Rewind to a missing mark is a logged no-op: nothing
					// is truncated and the rewind itself is not appended.
					logger.Warn("replay: rewind target is not on the mark stack, skipping",
						"rewind_id", ev.ID, "target", target)
					continue
				}
				markStack = markStack[:idx]
				messages = truncateAfter(messages, target)
				messages = append(messages, Message{EventID: ev.ID, Kind: ev.Kind, Content: ev.Content, Data: ev.Data})
			case models.EventInterrupted:
				messages = dropTrailingPartialTurn(messages)
			case models.EventAgentKilled, models.EventCommand, models.EventFork:
				messages = append(messages, Message{EventID: ev.ID, Kind: ev.Kind, Content: ev.Content, Data: ev.Data})
			default:
				// Unknown(string) arm: a forward-compatible row from a
				// newer writer, carried through opaque rather than dropped.
				messages = append(messages, Message{EventID: ev.ID, Kind: ev.Kind, Content: ev.Content, Data: ev.Data})
			}
		}
	}

	return &Context{Messages: messages, MarkStack: markStack}
}

func findMark(stack []MarkEntry, messageID int64) int {
	for i, m := range stack {
		if m.MessageID == messageID {
			return i
		}
	}
	return -1
}

// truncateAfter drops every message with EventID > target, since target is
// the mark's own event id: messages recorded after a mark, up to the point
// of the rewind, are rolled back.
func truncateAfter(messages []Message, target int64) []Message {
	cut := len(messages)
	for i, m := range messages {
		if m.EventID > target {
			cut = i
			break
		}
	}
	return messages[:cut]
}

// dropTrailingPartialTurn removes the remnant of a turn that was interrupted
// before the model produced (or finished streaming) its response: a trailing
// user message with no reply, or a trailing partial assistant message
// together with the user message immediately before it.
func dropTrailingPartialTurn(messages []Message) []Message {
	n := len(messages)
	if n == 0 {
		return messages
	}
	switch messages[n-1].Kind {
	case models.EventUser:
		return messages[:n-1]
	case models.EventAssistant:
		if n >= 2 && messages[n-2].Kind == models.EventUser {
			return messages[:n-2]
		}
		return messages[:n-1]
	}
	return messages
}
