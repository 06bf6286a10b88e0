// Package conversation holds the live, in-memory state for every active
// agent and is the only component allowed to mutate that state. It fans
// every mutation out to the event store (best effort: a store write failure
// is logged and the turn continues, since memory is authoritative for
// continuation and the store is authoritative only for durability) and
// exposes the operations the command layer and REPL loop drive.
package conversation

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arborhq/arbor/internal/mailbox"
	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/observability"
	"github.com/arborhq/arbor/internal/registry"
	"github.com/arborhq/arbor/internal/replay"
	"github.com/arborhq/arbor/internal/store"
)

// MaxToolTurns is the default number of consecutive tool-call turns the
// core allows an agent before forcing tool_choice=none on its next request,
// guaranteeing eventual termination of a runaway tool loop.
const MaxToolTurns = 25

// AgentState is the live context for one agent: its reconstructed message
// list, mark stack, and turn-taking state. Every field is guarded by mu.
type AgentState struct {
	mu sync.Mutex

	Agent     *models.Agent
	Messages  []replay.Message
	MarkStack []replay.MarkEntry
	State     State

	toolTurnsThisTurn int
	forkPending       int32 // guarded via atomic CAS, not mu
}

// beginFork atomically claims the fork-in-progress flag for this agent.
// Returns false if a fork was already pending.
func (s *AgentState) beginFork() bool {
	return atomic.CompareAndSwapInt32(&s.forkPending, 0, 1)
}

func (s *AgentState) endFork() {
	atomic.StoreInt32(&s.forkPending, 0)
}

// Core owns the live AgentState for every agent touched this session and
// mediates every mutation through to the store.
type Core struct {
	mu sync.RWMutex

	events    store.EventStore
	agents    *registry.Registry
	mail      *mailbox.Mailbox
	replay    *replay.Engine
	logger    *slog.Logger
	metrics   *observability.Metrics
	sessionID int64

	maxToolTurns int

	states map[string]*AgentState
}

// New returns a Core for sessionID. metrics may be nil, in which case
// instrumentation is skipped.
func New(events store.EventStore, agents *registry.Registry, mail *mailbox.Mailbox, replayEngine *replay.Engine, logger *slog.Logger, metrics *observability.Metrics, sessionID int64) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		events:       events,
		agents:       agents,
		mail:         mail,
		replay:       replayEngine,
		logger:       logger,
		metrics:      metrics,
		sessionID:    sessionID,
		maxToolTurns: MaxToolTurns,
		states:       make(map[string]*AgentState),
	}
}

// EnsureRoot returns the session's root agent, creating it if this is a
// fresh session.
func (c *Core) EnsureRoot(ctx context.Context) (*AgentState, error) {
	c.mu.Lock()
	for _, st := range c.states {
		if st.Agent.IsRoot() {
			c.mu.Unlock()
			return st, nil
		}
	}
	c.mu.Unlock()

	if lister, ok := c.events.(interface {
		ListAgents(ctx context.Context, sessionID int64) ([]*models.Agent, error)
	}); ok {
		all, err := lister.ListAgents(ctx, c.sessionID)
		if err != nil {
			return nil, err
		}
		for _, a := range all {
			if a.IsRoot() {
				return c.state(ctx, a.UUID)
			}
		}
	}

	root := &models.Agent{
		UUID:      uuid.NewString(),
		SessionID: c.sessionID,
		Status:    models.AgentRunning,
		CreatedAt: time.Now(),
	}
	if err := c.agents.Insert(ctx, root); err != nil {
		return nil, err
	}
	st := &AgentState{Agent: root, State: Idle, Messages: make([]replay.Message, 0, 16), MarkStack: make([]replay.MarkEntry, 0, 4)}
	c.mu.Lock()
	c.states[root.UUID] = st
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveAgents.Inc()
	}
	return st, nil
}

// state returns the in-memory state for uuid, rebuilding it from the store
// via the replay engine on first access.
func (c *Core) state(ctx context.Context, agentUUID string) (*AgentState, error) {
	c.mu.RLock()
	st, ok := c.states[agentUUID]
	c.mu.RUnlock()
	if ok {
		return st, nil
	}

	a, err := c.agents.Get(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	rebuilt, err := c.replay.Rebuild(ctx, c.sessionID, agentUUID)
	if err != nil {
		return nil, err
	}
	state := Idle
	if a.Status == models.AgentDead {
		state = Dead
	}
	st = &AgentState{Agent: a, Messages: rebuilt.Messages, MarkStack: rebuilt.MarkStack, State: state}

	c.mu.Lock()
	c.states[agentUUID] = st
	c.mu.Unlock()
	return st, nil
}

// appendEvent writes an event to the store. A write failure is logged and
// swallowed: the store is authoritative for durability, not continuation.
func (c *Core) appendEvent(ctx context.Context, agentUUID string, kind models.EventKind, content string, data map[string]any) int64 {
	id, err := c.events.Insert(ctx, c.sessionID, agentUUID, kind, content, data)
	if err != nil {
		c.logger.Error("event store write failed, continuing with in-memory state only",
			"agent", agentUUID, "kind", kind, "err", err)
		if c.metrics != nil {
			c.metrics.EventStoreErrors.WithLabelValues("insert").Inc()
		}
		return id
	}
	if c.metrics != nil {
		c.metrics.EventsInserted.WithLabelValues(string(kind)).Inc()
	}
	return id
}

func (s *AgentState) transition(op string, next State) error {
	if !s.State.canTransitionTo(next) {
		return protocolErr(op, "illegal transition from "+string(s.State)+" to "+string(next))
	}
	s.State = next
	return nil
}

// SubmitUser records a user turn and moves the agent into WaitingForLLM.
// Must be called while the agent is Idle.
func (c *Core) SubmitUser(ctx context.Context, agentUUID, text string, providerCfg map[string]any) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State == Dead {
		return ErrAgentDead
	}
	if err := st.transition("SubmitUser", WaitingForLLM); err != nil {
		return err
	}
	st.toolTurnsThisTurn = 0

	id := c.appendEvent(ctx, agentUUID, models.EventUser, text, providerCfg)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventUser, Content: text, Data: providerCfg})
	return nil
}

// OnAssistantReply records the model's reply. awaitingTool indicates the
// reply carried tool calls that still need dispatch.
func (c *Core) OnAssistantReply(ctx context.Context, agentUUID, text string, data map[string]any, awaitingTool bool) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State != WaitingForLLM {
		return protocolErr("OnAssistantReply", "not waiting for a reply")
	}

	id := c.appendEvent(ctx, agentUUID, models.EventAssistant, text, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventAssistant, Content: text, Data: data})

	next := Idle
	if awaitingTool {
		next = AwaitingToolResult
	}
	return st.transition("OnAssistantReply", next)
}

// ShouldForceToolChoiceNone reports whether the agent has exhausted its
// tool-call budget for the current turn and the next provider request must
// be sent with tool_choice=none to force termination.
func (c *Core) ShouldForceToolChoiceNone(ctx context.Context, agentUUID string) (bool, error) {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.toolTurnsThisTurn >= c.maxToolTurns, nil
}

// OnToolCall records a model-issued tool call.
func (c *Core) OnToolCall(ctx context.Context, agentUUID, description string, data map[string]any) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State != AwaitingToolResult {
		return protocolErr("OnToolCall", "not awaiting a tool result")
	}
	st.toolTurnsThisTurn++

	id := c.appendEvent(ctx, agentUUID, models.EventToolCall, description, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventToolCall, Content: description, Data: data})
	return nil
}

// OnToolResult records the executor's reply to a prior tool call and
// returns the agent to WaitingForLLM so the model can continue.
func (c *Core) OnToolResult(ctx context.Context, agentUUID, summary string, data map[string]any) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State != AwaitingToolResult {
		return protocolErr("OnToolResult", "not awaiting a tool result")
	}

	id := c.appendEvent(ctx, agentUUID, models.EventToolResult, summary, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventToolResult, Content: summary, Data: data})
	return st.transition("OnToolResult", WaitingForLLM)
}

// Interrupt records that the current turn was aborted mid-flight (e.g. the
// user hit ctrl-c while awaiting a reply) and discards the dangling user
// message, together with a partial assistant reply after it if one was
// recorded, from memory so the next replay produces the same shape.
func (c *Core) Interrupt(ctx context.Context, agentUUID string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State == Idle || st.State == Dead {
		return protocolErr("Interrupt", "no turn in flight")
	}

	c.appendEvent(ctx, agentUUID, models.EventInterrupted, "", nil)
	n := len(st.Messages)
	if n > 0 && st.Messages[n-1].Kind == models.EventAssistant {
		n--
		if n > 0 && st.Messages[n-1].Kind == models.EventUser {
			n--
		}
	} else if n > 0 && st.Messages[n-1].Kind == models.EventUser {
		n--
	}
	st.Messages = st.Messages[:n]
	st.State = Idle
	return nil
}

// CmdSystem seeds or replaces the agent's system prompt. Legal only while
// Idle, since a system prompt change mid-turn would not apply to the
// request already in flight.
func (c *Core) CmdSystem(ctx context.Context, agentUUID, text string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State != Idle {
		return protocolErr("CmdSystem", "agent is not idle")
	}
	id := c.appendEvent(ctx, agentUUID, models.EventSystem, text, nil)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventSystem, Content: text})
	return nil
}

// CmdClear resets an agent's context and mark stack. Legal from any
// non-Dead state.
func (c *Core) CmdClear(ctx context.Context, agentUUID string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State == Dead {
		return ErrAgentDead
	}
	c.appendEvent(ctx, agentUUID, models.EventClear, "", nil)
	st.Messages = st.Messages[:0]
	st.MarkStack = st.MarkStack[:0]
	st.State = Idle
	return nil
}

// CmdMark pushes a checkpoint onto the agent's mark stack. The mark event
// itself is also appended to the message list, mirroring how replay
// reconstructs it.
func (c *Core) CmdMark(ctx context.Context, agentUUID, label string) (int64, error) {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State == Dead {
		return 0, ErrAgentDead
	}
	var data map[string]any
	if label != "" {
		data = map[string]any{"label": label}
	}
	id := c.appendEvent(ctx, agentUUID, models.EventMark, "", data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventMark, Data: data})
	st.MarkStack = append(st.MarkStack, replay.MarkEntry{MessageID: id, Label: label})
	return id, nil
}

// CmdRewind resolves label against the agent's live mark stack (the most
// recent entry matching label, or the latest mark if label is empty) and
// truncates the agent's context back to it, popping the mark stack above
// and including it. The rewind event itself is appended to the message
// list after truncation, mirroring replay. Resolving against an empty or
// unmatched mark stack is reported as ErrNoSuchMark; callers render this as
// a logged no-op rather than a fatal error.
func (c *Core) CmdRewind(ctx context.Context, agentUUID, label string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.State == Dead {
		return ErrAgentDead
	}

	idx := -1
	if label == "" {
		if len(st.MarkStack) > 0 {
			idx = len(st.MarkStack) - 1
		}
	} else {
		for i := len(st.MarkStack) - 1; i >= 0; i-- {
			if st.MarkStack[i].Label == label {
				idx = i
				break
			}
		}
	}
	if idx == -1 {
		return ErrNoSuchMark
	}
	target := st.MarkStack[idx].MessageID

	data := map[string]any{"target_message_id": target}
	if label != "" {
		data["label"] = label
	}
	id := c.appendEvent(ctx, agentUUID, models.EventRewind, "", data)

	st.MarkStack = st.MarkStack[:idx]
	cut := len(st.Messages)
	for i, m := range st.Messages {
		if m.EventID > target {
			cut = i
			break
		}
	}
	st.Messages = st.Messages[:cut]
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventRewind, Data: data})
	return nil
}

// CmdFork creates a new child agent branching off parentUUID at its current
// last event. The fork-pending CAS guard ensures two concurrent /fork
// invocations against the same parent cannot both succeed. When the
// underlying event store supports it (store.Forker, e.g. PostgresStore),
// the child-agent insert and the fork event write happen inside a single
// transaction; otherwise they are two separate best-effort writes.
func (c *Core) CmdFork(ctx context.Context, parentUUID string) (string, error) {
	parent, err := c.state(ctx, parentUUID)
	if err != nil {
		return "", err
	}

	if !parent.beginFork() {
		return "", ErrForkPending
	}
	defer parent.endFork()

	parent.mu.Lock()
	if parent.State == Dead {
		parent.mu.Unlock()
		return "", ErrAgentDead
	}
	forkPoint := int64(0)
	if n := len(parent.Messages); n > 0 {
		forkPoint = parent.Messages[n-1].EventID
	}
	parentUUIDCopy := parent.Agent.UUID
	parent.mu.Unlock()

	child := &models.Agent{
		UUID:          uuid.NewString(),
		SessionID:     c.sessionID,
		ParentUUID:    &parentUUIDCopy,
		ForkMessageID: forkPoint,
		Status:        models.AgentRunning,
		CreatedAt:     time.Now(),
	}
	forkData := map[string]any{"parent_uuid": parentUUIDCopy, "child_uuid": child.UUID}

	var forkEventID int64
	if forker, ok := c.events.(store.Forker); ok {
		forkEventID, err = forker.Fork(ctx, child, parentUUID)
		if err != nil {
			return "", err
		}
		if c.metrics != nil {
			c.metrics.EventsInserted.WithLabelValues(string(models.EventFork)).Inc()
		}
	} else {
		if err := c.agents.Insert(ctx, child); err != nil {
			return "", err
		}
		forkEventID = c.appendEvent(ctx, parentUUID, models.EventFork, "", forkData)
	}

	// The child inherits parent's messages as they stood at forkPoint, not
	// including the fork event itself: replay bounds the parent's
	// contribution to the child's range by forkPoint (exclusive start for
	// the child's own events, inclusive end for the parent's), and the
	// fork event's id is always greater than forkPoint.
	parent.mu.Lock()
	inherited := append([]replay.Message(nil), parent.Messages...)
	inheritedMarks := append([]replay.MarkEntry(nil), parent.MarkStack...)
	parent.Messages = append(parent.Messages, replay.Message{EventID: forkEventID, Kind: models.EventFork, Data: forkData})
	parent.mu.Unlock()

	childState := &AgentState{
		Agent:     child,
		State:     Idle,
		Messages:  inherited,
		MarkStack: inheritedMarks,
	}
	c.mu.Lock()
	c.states[child.UUID] = childState
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ForksTotal.Inc()
		c.metrics.ActiveAgents.Inc()
	}
	return child.UUID, nil
}

// CmdKill marks targetUUID dead on behalf of callerUUID. If cascade is true,
// every descendant is also marked dead, in depth-first post-order (children
// before parent). Killing the root without cascade is rejected. The
// agent_killed audit event is recorded in the caller's stream, not the
// target's, since the caller is the agent whose context should show it
// issued the kill (this differs from the target whenever a /kill targets
// an agent other than self).
func (c *Core) CmdKill(ctx context.Context, callerUUID, targetUUID string, cascade bool) (int, error) {
	target, err := c.state(ctx, targetUUID)
	if err != nil {
		return 0, err
	}
	target.mu.Lock()
	isRoot := target.Agent.IsRoot()
	target.mu.Unlock()

	if isRoot && !cascade {
		return 0, protocolErr("CmdKill", "root agent cannot be killed without --cascade")
	}

	killed := 0
	if cascade {
		descendants, err := c.agents.DescendantsOf(ctx, targetUUID)
		if err != nil {
			return 0, err
		}
		for _, d := range descendants {
			if err := c.killOne(ctx, d.UUID); err != nil {
				return killed, err
			}
			killed++
		}
	}
	if err := c.killOne(ctx, targetUUID); err != nil {
		return killed, err
	}
	killed++

	data := map[string]any{"cascade": cascade, "count": killed, "target": targetUUID}
	caller, err := c.state(ctx, callerUUID)
	if err != nil {
		return killed, err
	}
	id := c.appendEvent(ctx, callerUUID, models.EventAgentKilled, "", data)
	caller.mu.Lock()
	caller.Messages = append(caller.Messages, replay.Message{EventID: id, Kind: models.EventAgentKilled, Data: data})
	caller.mu.Unlock()

	if c.metrics != nil {
		c.metrics.KillsTotal.WithLabelValues(strconv.FormatBool(cascade)).Add(float64(killed))
		c.metrics.ActiveAgents.Add(-float64(killed))
	}
	return killed, nil
}

func (c *Core) killOne(ctx context.Context, agentUUID string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	if err := c.agents.MarkDead(ctx, agentUUID); err != nil {
		return err
	}
	st.mu.Lock()
	st.State = Dead
	st.Agent.Status = models.AgentDead
	st.mu.Unlock()
	return nil
}

// CmdSend sends mail from `from` to `to`.
func (c *Core) CmdSend(ctx context.Context, from, to, body string) (int64, error) {
	id, err := c.mail.Send(ctx, c.sessionID, from, to, body)
	if err == nil && c.metrics != nil {
		c.metrics.MailSent.Inc()
	}
	return id, err
}

// CmdCheckMail returns to's full inbox, unread-first.
func (c *Core) CmdCheckMail(ctx context.Context, to string) ([]*models.Mail, error) {
	return c.mail.Inbox(ctx, c.sessionID, to)
}

// CmdFilterMail returns to's inbox restricted to a single sender.
func (c *Core) CmdFilterMail(ctx context.Context, to, from string) ([]*models.Mail, error) {
	return c.mail.InboxFiltered(ctx, c.sessionID, to, from)
}

// CmdReadMail marks a single mail item read.
func (c *Core) CmdReadMail(ctx context.Context, mailID int64) error {
	return c.mail.MarkRead(ctx, mailID)
}

// CmdDeleteMail deletes mail on behalf of its recipient.
func (c *Core) CmdDeleteMail(ctx context.Context, mailID int64, recipient string) error {
	return c.mail.Delete(ctx, mailID, recipient)
}

// CmdPin adds a path to the agent's pinned-context set.
func (c *Core) CmdPin(ctx context.Context, agentUUID, path string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.Agent.PinnedPaths {
		if p == path {
			return nil
		}
	}
	st.Agent.PinnedPaths = append(st.Agent.PinnedPaths, path)
	data := map[string]any{"command": "pin", "path": path}
	id := c.appendEvent(ctx, agentUUID, models.EventCommand, "pin "+path, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventCommand, Content: "pin " + path, Data: data})
	return nil
}

// CmdUnpin removes a path from the agent's pinned-context set.
func (c *Core) CmdUnpin(ctx context.Context, agentUUID, path string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.Agent.PinnedPaths[:0]
	for _, p := range st.Agent.PinnedPaths {
		if p != path {
			out = append(out, p)
		}
	}
	st.Agent.PinnedPaths = out
	data := map[string]any{"command": "unpin", "path": path}
	id := c.appendEvent(ctx, agentUUID, models.EventCommand, "unpin "+path, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventCommand, Content: "unpin " + path, Data: data})
	return nil
}

// CmdToolset replaces the agent's tool-name filter.
func (c *Core) CmdToolset(ctx context.Context, agentUUID string, names []string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Agent.ToolsetFilter = names
	data := map[string]any{"command": "toolset", "names": names}
	id := c.appendEvent(ctx, agentUUID, models.EventCommand, "toolset", data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventCommand, Content: "toolset", Data: data})
	return nil
}

// CmdSetModel switches an agent's provider/model/thinking level. Only legal
// while the agent is Idle, since a model swap mid-turn would leave an
// in-flight request pointed at a stale configuration.
func (c *Core) CmdSetModel(ctx context.Context, agentUUID, provider, model, thinkingLevel string) error {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.State != Idle {
		return protocolErr("CmdSetModel", "agent is not idle")
	}
	st.Agent.Provider = provider
	st.Agent.Model = model
	st.Agent.ThinkingLevel = thinkingLevel
	data := map[string]any{"command": "model", "provider": provider, "model": model, "thinking_level": thinkingLevel}
	content := "model " + provider + "/" + model
	id := c.appendEvent(ctx, agentUUID, models.EventCommand, content, data)
	st.Messages = append(st.Messages, replay.Message{EventID: id, Kind: models.EventCommand, Content: content, Data: data})
	return nil
}

// Snapshot returns a read-only copy of an agent's live state for rendering
// (e.g. `/agents`, scrollback replays).
func (c *Core) Snapshot(ctx context.Context, agentUUID string) (*AgentState, error) {
	st, err := c.state(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := &AgentState{
		Agent:     st.Agent.Clone(),
		Messages:  append([]replay.Message(nil), st.Messages...),
		MarkStack: append([]replay.MarkEntry(nil), st.MarkStack...),
		State:     st.State,
	}
	return cp, nil
}
