package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arborhq/arbor/internal/models"
)

// MemoryStore is an in-process implementation of Store backed by guarded
// maps and slices. It is used by tests and by single-shot runs that opt out
// of durability. Reads always return clones so callers can never mutate the
// store's internal state through a returned pointer.
type MemoryStore struct {
	mu sync.RWMutex

	sessions  map[int64]*models.Session
	nextSess  int64

	events    map[int64][]*models.Event // keyed by session id
	nextEvent int64

	agents map[string]*models.Agent

	mail    map[int64]*models.Mail
	nextMail int64
}

// NewMemoryStore returns an empty MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[int64]*models.Session),
		events:   make(map[int64][]*models.Event),
		agents:   make(map[string]*models.Agent),
		mail:     make(map[int64]*models.Mail),
	}
}

func (s *MemoryStore) Close() error { return nil }

// --- SessionStore ---

func (s *MemoryStore) CreateSession(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSess++
	id := s.nextSess
	s.sessions[id] = &models.Session{ID: id, StartedAt: time.Now()}
	return id, nil
}

func (s *MemoryStore) GetActiveSession(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Session
	for _, sess := range s.sessions {
		if !sess.Active() {
			continue
		}
		if best == nil || sess.StartedAt.After(best.StartedAt) {
			best = sess
		}
	}
	if best == nil {
		return 0, nil
	}
	return best.ID, nil
}

func (s *MemoryStore) EndSession(ctx context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ReferentialIntegrityError("EndSession", "unknown session")
	}
	now := time.Now()
	sess.EndedAt = &now
	return nil
}

// --- EventStore ---

func (s *MemoryStore) Insert(ctx context.Context, sessionID int64, agentUUID string, kind models.EventKind, content string, data map[string]any) (int64, error) {
	if !kind.Valid() {
		return 0, ProtocolError("Insert", "unknown event kind: "+string(kind))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return 0, ReferentialIntegrityError("Insert", "unknown session")
	}
	s.nextEvent++
	ev := &models.Event{
		ID:        s.nextEvent,
		SessionID: sessionID,
		AgentUUID: agentUUID,
		Kind:      kind,
		Content:   content,
		Data:      data,
		CreatedAt: time.Now(),
	}
	s.events[sessionID] = append(s.events[sessionID], ev)
	return ev.ID, nil
}

func (s *MemoryStore) LoadRange(ctx context.Context, sessionID int64, agentUUID string, startExclusive, endInclusive int64) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, ev := range s.events[sessionID] {
		if agentUUID != "" && ev.AgentUUID != agentUUID {
			continue
		}
		if ev.ID <= startExclusive {
			continue
		}
		if endInclusive != 0 && ev.ID > endInclusive {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LastID(ctx context.Context, sessionID int64, agentUUID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last int64
	for _, ev := range s.events[sessionID] {
		if agentUUID != "" && ev.AgentUUID != agentUUID {
			continue
		}
		if ev.ID > last {
			last = ev.ID
		}
	}
	return last, nil
}

func (s *MemoryStore) Count(ctx context.Context, sessionID int64, kind models.EventKind) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, ev := range s.events[sessionID] {
		if ev.Kind == kind {
			n++
		}
	}
	return n, nil
}

// --- AgentStore ---

func (s *MemoryStore) InsertAgent(ctx context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ParentUUID != nil {
		if _, ok := s.agents[*a.ParentUUID]; !ok {
			return ReferentialIntegrityError("InsertAgent", "unknown parent agent")
		}
	}
	if _, exists := s.agents[a.UUID]; exists {
		return ReferentialIntegrityError("InsertAgent", "agent already exists")
	}
	s.agents[a.UUID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, uuid string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) MarkAgentDead(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[uuid]
	if !ok {
		return ReferentialIntegrityError("MarkAgentDead", "unknown agent")
	}
	a.Status = models.AgentDead
	now := time.Now()
	a.EndedAt = &now
	return nil
}

func (s *MemoryStore) ChildrenOf(ctx context.Context, uuid string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if a.ParentUUID != nil && *a.ParentUUID == uuid {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, sessionID int64) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if a.SessionID == sessionID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- MailStore ---

func (s *MemoryStore) InsertMail(ctx context.Context, m *models.Mail) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[m.FromUUID]; !ok {
		return 0, ReferentialIntegrityError("InsertMail", "unknown sender")
	}
	to, ok := s.agents[m.ToUUID]
	if !ok {
		return 0, ReferentialIntegrityError("InsertMail", "unknown recipient")
	}
	if to.Status != models.AgentRunning {
		return 0, ReferentialIntegrityError("InsertMail", "recipient is not running")
	}
	s.nextMail++
	cp := m.Clone()
	cp.ID = s.nextMail
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.mail[cp.ID] = cp
	return cp.ID, nil
}

func sortInbox(items []*models.Mail) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Read != items[j].Read {
			return !items[i].Read // unread first
		}
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}

func (s *MemoryStore) Inbox(ctx context.Context, sessionID int64, to string) ([]*models.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Mail
	for _, m := range s.mail {
		if m.SessionID == sessionID && m.ToUUID == to {
			out = append(out, m.Clone())
		}
	}
	sortInbox(out)
	return out, nil
}

func (s *MemoryStore) InboxFiltered(ctx context.Context, sessionID int64, to, from string) ([]*models.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Mail
	for _, m := range s.mail {
		if m.SessionID == sessionID && m.ToUUID == to && m.FromUUID == from {
			out = append(out, m.Clone())
		}
	}
	sortInbox(out)
	return out, nil
}

func (s *MemoryStore) MarkMailRead(ctx context.Context, mailID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mail[mailID]
	if !ok {
		return ReferentialIntegrityError("MarkMailRead", "unknown mail id")
	}
	m.Read = true
	return nil
}

func (s *MemoryStore) DeleteMail(ctx context.Context, mailID int64, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mail[mailID]
	if !ok || m.ToUUID != recipient {
		// Deliberately identical error for "not found" and "not yours" so
		// callers cannot probe for the existence of other agents' mail.
		return ErrUnauthorized
	}
	delete(s.mail, mailID)
	return nil
}
