package store

import (
	"context"

	"github.com/arborhq/arbor/internal/models"
)

// EventStore is the append-only log of conversation events. Implementations
// must preserve strict ascending id order within a session and must not
// reorder concurrent inserts.
type EventStore interface {
	// Insert appends one event and returns its assigned id. agentUUID may be
	// empty for session-scoped events.
	Insert(ctx context.Context, sessionID int64, agentUUID string, kind models.EventKind, content string, data map[string]any) (int64, error)

	// LoadRange returns events with id in (startExclusive, endInclusive] for
	// the given session/agent, ordered by id ascending. endInclusive == 0
	// means open-ended (through the latest event).
	LoadRange(ctx context.Context, sessionID int64, agentUUID string, startExclusive, endInclusive int64) ([]*models.Event, error)

	// LastID returns the id of the most recent event for the agent, or 0 if
	// none exist yet.
	LastID(ctx context.Context, sessionID int64, agentUUID string) (int64, error)

	// Count returns the number of events of the given kind in the session.
	Count(ctx context.Context, sessionID int64, kind models.EventKind) (int64, error)
}

// AgentStore persists the agent tree.
type AgentStore interface {
	InsertAgent(ctx context.Context, a *models.Agent) error
	GetAgent(ctx context.Context, uuid string) (*models.Agent, error)
	MarkAgentDead(ctx context.Context, uuid string) error
	ChildrenOf(ctx context.Context, uuid string) ([]*models.Agent, error)
	ListAgents(ctx context.Context, sessionID int64) ([]*models.Agent, error)
}

// MailStore persists inter-agent mail.
type MailStore interface {
	InsertMail(ctx context.Context, m *models.Mail) (int64, error)
	Inbox(ctx context.Context, sessionID int64, to string) ([]*models.Mail, error)
	InboxFiltered(ctx context.Context, sessionID int64, to, from string) ([]*models.Mail, error)
	MarkMailRead(ctx context.Context, mailID int64) error
	DeleteMail(ctx context.Context, mailID int64, recipient string) error
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context) (int64, error)
	GetActiveSession(ctx context.Context) (int64, error)
	EndSession(ctx context.Context, sessionID int64) error
}

// Store composes the four persistence contracts the engine depends on. Both
// PostgresStore and MemoryStore implement it in full.
type Store interface {
	EventStore
	AgentStore
	MailStore
	SessionStore
	Close() error
}

// Forker is implemented by stores that can insert a child agent row and its
// fork audit event inside a single transaction. PostgresStore implements
// it; MemoryStore relies on its own coarse-grained locking instead and does
// not need to, so conversation.Core type-asserts for it and falls back to
// two separate writes when it is absent.
type Forker interface {
	Fork(ctx context.Context, child *models.Agent, parentUUID string) (int64, error)
}
