package models

import "time"

// Session is one run of the engine. A nil EndedAt means the session is
// still active; at most one session is active at a time.
type Session struct {
	ID        int64      `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Active reports whether the session has not yet been ended.
func (s *Session) Active() bool {
	return s.EndedAt == nil
}
