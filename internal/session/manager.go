// Package session manages the single active engine session.
package session

import (
	"context"

	"github.com/arborhq/arbor/internal/store"
)

// Manager creates, resumes, and ends sessions.
type Manager struct {
	sessions store.SessionStore
}

// New returns a Manager backed by sessions.
func New(sessions store.SessionStore) *Manager {
	return &Manager{sessions: sessions}
}

// Create starts a brand new session.
func (m *Manager) Create(ctx context.Context) (int64, error) {
	return m.sessions.CreateSession(ctx)
}

// GetActive returns the most recently started session with no end time, or
// 0 if none exists (not an error).
func (m *Manager) GetActive(ctx context.Context) (int64, error) {
	return m.sessions.GetActiveSession(ctx)
}

// Resume returns the active session id if one exists, otherwise creates a
// new one. This is the startup entrypoint the CLI and tests use.
func (m *Manager) Resume(ctx context.Context) (id int64, resumed bool, err error) {
	active, err := m.sessions.GetActiveSession(ctx)
	if err != nil {
		return 0, false, err
	}
	if active != 0 {
		return active, true, nil
	}
	id, err = m.sessions.CreateSession(ctx)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// End closes the given session.
func (m *Manager) End(ctx context.Context, sessionID int64) error {
	return m.sessions.EndSession(ctx, sessionID)
}
